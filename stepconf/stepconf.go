package stepconf

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bitrise-io/go-utils/colorstring"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// ErrNotStructPtr indicates a type is not a pointer to a struct.
var ErrNotStructPtr = errors.New("must be a pointer to a struct")

// ErrRequired indicates a required variable is not present.
var ErrRequired = errors.New("required variable is not present")

// ErrInvalidBool indicates a value can't be parsed as a bool.
var ErrInvalidBool = errors.New("value can't be parsed as bool")

// ErrInvalidType indicates a field type is not supported.
var ErrInvalidType = errors.New("field type is not supported")

// ErrNotInValueOptions indicates the value is not one of the allowed options.
var ErrNotInValueOptions = errors.New("value is not in value options")

// ErrInvalidConstraint indicates an unknown tag constraint.
var ErrInvalidConstraint = errors.New("unknown constraint")

// EnvGetter ...
type EnvGetter interface {
	Get(key string) string
}

// Secret is a string input that is redacted when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 5)
}

// ByteSize is a size input written like "4MiB", "512k" or "1048576".
type ByteSize int64

var (
	secretType   = reflect.TypeOf(Secret(""))
	byteSizeType = reflect.TypeOf(ByteSize(0))
	durationType = reflect.TypeOf(time.Duration(0))
)

// Print writes the tagged fields of config to stdout, with Secret values redacted.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	s := colorstring.Bluef("%s:\n", title(t.Name()))
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Name
		if tag, ok := t.Field(i).Tag.Lookup("env"); ok {
			name, _ = parseTag(tag)
		}

		value := v.Field(i)
		str := "<unset>"
		if !value.IsZero() {
			str = valueString(value)
		}
		s += fmt.Sprintf("- %s: %s\n", name, str)
	}
	return s
}

func title(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	switch v.Type() {
	case secretType:
		return Secret(v.String()).String()
	case byteSizeType:
		return units.BytesSize(float64(v.Int()))
	case durationType:
		return time.Duration(v.Int()).String()
	}
	return fmt.Sprintf("%v", v.Interface())
}

// Parse populates a struct with the retrieved values from environment variables
// described by struct tags and applies the defined validations.
func Parse(conf interface{}) error {
	return parse(conf, env.NewRepository())
}

func parse(conf interface{}, envGetter EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr || c.Elem().Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	c = c.Elem()

	var errs []error
	for i := 0; i < c.NumField(); i++ {
		field := c.Type().Field(i)
		tag, ok := field.Tag.Lookup("env")
		if !ok {
			continue
		}

		key, constraint := parseTag(tag)
		value := envGetter.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, fmt.Errorf("- %s: %w", field.Name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to parse config:\n%w", errors.Join(errs...))
	}
	return nil
}

func parseTag(tag string) (name string, constraint string) {
	name, constraint, _ = strings.Cut(tag, ",")
	return name, constraint
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}

	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		v := reflect.New(field.Type().Elem())
		if err := setValue(v.Elem(), value); err != nil {
			return err
		}
		field.Set(v)
		return nil
	}
	return setValue(field, value)
}

func setValue(field reflect.Value, value string) error {
	switch field.Type() {
	case byteSizeType:
		size, err := units.RAMInBytes(value)
		if err != nil {
			return fmt.Errorf("can't parse size %q: %w", value, err)
		}
		field.SetInt(size)
		return nil
	case durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("can't parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return ErrInvalidBool
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to %s: %w", value, field.Kind(), err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to %s: %w", value, field.Kind(), err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("can't convert %q to %s: %w", value, field.Kind(), err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return ErrInvalidType
		}
		field.Set(reflect.ValueOf(strings.Split(value, "|")))
	default:
		return ErrInvalidType
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validateConstraint(value, constraint string) error {
	switch constraint {
	case "":
		return nil
	case "required":
		if value == "" {
			return ErrRequired
		}
	case "file", "dir":
		return checkPath(value, constraint == "dir")
	default:
		opts, ok := valueOptions(constraint)
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidConstraint, constraint)
		}
		for _, opt := range opts {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("%w: %q not in %v", ErrNotInValueOptions, value, opts)
	}
	return nil
}

func checkPath(path string, dir bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if dir && !info.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}
	if !dir && info.IsDir() {
		return fmt.Errorf("not a file: %s", path)
	}
	return nil
}

// valueOptions parses opt[a,b,'c,d'] into its options. Quoted options may contain commas.
func valueOptions(constraint string) ([]string, bool) {
	if !strings.HasPrefix(constraint, "opt[") || !strings.HasSuffix(constraint, "]") {
		return nil, false
	}
	list := strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]")

	var opts []string
	var current strings.Builder
	quoted := false
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			opts = append(opts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	opts = append(opts, current.String())
	return opts, true
}
