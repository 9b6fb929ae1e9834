// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// configValidate is shared by every Decode call.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()

	// Report yaml field names in validation errors.
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
}

// Validate checks v against its `validate` struct tags. Non-struct values
// (maps, slices of scalars) pass unchanged.
func Validate(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		return configValidate.Struct(rv.Interface())
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() != reflect.Struct {
			return nil
		}
		for i := 0; i < rv.Len(); i++ {
			if err := configValidate.Struct(rv.Index(i).Interface()); err != nil {
				return err
			}
		}
	}
	return nil
}
