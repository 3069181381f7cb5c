package config

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrorDetail is one human readable problem of a config file.
type ErrorDetail struct {
	Path    string // basefind.end_address
	Code    string // unknown_field | type_mismatch | missing_required | invalid_enum | out_of_range | validation_error
	Message string
}

func (d ErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", d.Code),
		slog.String("path", d.Path),
		slog.String("message", d.Message),
	)
}

// Details explains an error returned by Load. Errors of other origin yield
// nil.
func Details(err error) []ErrorDetail {
	var out []ErrorDetail

	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		for _, msg := range typeErr.Errors {
			code := "type_mismatch"
			if strings.Contains(msg, "not found in type") {
				code = "unknown_field"
			}
			out = append(out, ErrorDetail{Code: code, Message: msg})
		}
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out = append(out, detail(fe))
		}
	}
	return out
}

func detail(fe validator.FieldError) ErrorDetail {
	path := normalizePath(fe.Namespace())
	d := ErrorDetail{Path: path, Code: "validation_error"}
	switch fe.Tag() {
	case "required":
		d.Code = "missing_required"
		d.Message = fmt.Sprintf("Field %s is required", path)
	case "oneof":
		d.Code = "invalid_enum"
		d.Message = fmt.Sprintf("Field %s has invalid value %v: possible values (%s)",
			path, fe.Value(), strings.Join(strings.Fields(fe.Param()), ","))
	case "eq", "gt", "gte", "lt", "lte", "gtfield":
		d.Code = "out_of_range"
		d.Message = fmt.Sprintf("Field %s value %v must be %s %s", path, fe.Value(), fe.Tag(), fe.Param())
	default:
		d.Message = fe.Error()
	}
	return d
}

// normalizePath turns Config.basefind.BasefindOptions.end_address into
// basefind.end_address. Segments named after Go types come from the root
// struct and the inlined ones.
func normalizePath(ns string) string {
	var parts []string
	for _, p := range strings.Split(ns, ".") {
		if p == "" || unicode.IsUpper(rune(p[0])) {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}

func yamlName(fld reflect.StructField) string {
	name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
	if name == "-" {
		return ""
	}
	return name
}
