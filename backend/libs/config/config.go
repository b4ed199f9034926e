package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding the optional YAML config path.
const PathEnv = "CONFIG_FILE"

var durationType = reflect.TypeOf(time.Duration(0))

// Validator is implemented by configs that check themselves after loading.
type Validator interface {
	Validate() error
}

// LoadConfig is LoadConfigFile with the path taken from CONFIG_FILE.
func LoadConfig(target interface{}) error {
	return LoadConfigFile(os.Getenv(PathEnv), target)
}

// LoadConfigFile fills target, a pointer to a struct already holding its
// defaults, from the YAML file at path (skipped when empty) and then from the
// environment. Env keys come from an `env:"KEY"` tag or from the upper-cased
// field path joined by underscores; `env:"-"` opts a field out. When target
// implements Validator it is validated last.
func LoadConfigFile(path string, target interface{}) error {
	if target == nil {
		return errors.New("config: target is nil")
	}
	root := reflect.ValueOf(target)
	if root.Kind() != reflect.Ptr || root.Elem().Kind() != reflect.Struct {
		return errors.New("config: target must be pointer to struct")
	}

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("config: decode yaml %s: %w", path, err)
		}
	}

	for _, b := range envBindings(root.Elem(), "") {
		raw, ok := os.LookupEnv(b.key)
		if !ok {
			continue
		}
		if err := assign(b.field, raw); err != nil {
			return fmt.Errorf("config: parse %s: %w", b.key, err)
		}
	}

	if v, ok := target.(Validator); ok {
		return v.Validate()
	}
	return nil
}

type binding struct {
	key   string
	field reflect.Value
}

// envBindings flattens settable leaf fields into their env keys.
func envBindings(v reflect.Value, prefix string) []binding {
	var out []binding
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Anonymous && fv.Kind() == reflect.Struct {
			out = append(out, envBindings(fv, prefix)...)
			continue
		}

		tag := sf.Tag.Get("env")
		if tag == "-" {
			continue
		}
		key := envKey(prefix, sf.Name)
		if tag != "" {
			key = envKey("", tag)
		}

		if fv.Kind() == reflect.Struct && fv.Type() != durationType {
			out = append(out, envBindings(fv, key)...)
			continue
		}
		out = append(out, binding{key: key, field: fv})
	}
	return out
}

func envKey(prefix, name string) string {
	name = strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func assign(field reflect.Value, value string) error {
	value = strings.TrimSpace(value)
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		// Comma separated; only string elements.
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported field type %s", field.Type())
		}
		out := reflect.MakeSlice(field.Type(), 0, strings.Count(value, ",")+1)
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = reflect.Append(out, reflect.ValueOf(part).Convert(field.Type().Elem()))
			}
		}
		field.Set(out)
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}
