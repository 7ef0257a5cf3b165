package terminal

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rttcom/rttcom/pkg/config"
)

func configureCmd(t *Term, args string) error {
	switch args {
	case "-list":
		return configureList(t)
	case "-save":
		return config.SaveConfig(t.conf)
	case "":
		return fmt.Errorf("wrong number of arguments to \"config\"")
	}
	name, value, _ := strings.Cut(args, " ")
	value = strings.TrimSpace(value)
	if name == "alias" {
		return configureSetAlias(t, value)
	}
	return configureSet(t, name, value)
}

// setting is a configuration field settable from the console, named by
// its yaml key.
type setting struct {
	name  string
	value reflect.Value
}

// settings lists the scalar fields of conf, map fields are skipped.
func settings(conf *config.Config) []setting {
	v := reflect.ValueOf(conf).Elem()
	var r []setting
	for i := 0; i < v.NumField(); i++ {
		name, _, _ := strings.Cut(v.Type().Field(i).Tag.Get("yaml"), ",")
		if name == "" || v.Field(i).Kind() == reflect.Map {
			continue
		}
		r = append(r, setting{name, v.Field(i)})
	}
	return r
}

func (s setting) String() string {
	v := s.value
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "<not defined>"
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Uint64:
		return fmt.Sprintf("%#x", v.Uint())
	case reflect.String:
		return strconv.Quote(v.String())
	}
	return fmt.Sprint(v.Interface())
}

func configureList(t *Term) error {
	w := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	for _, s := range settings(t.conf) {
		fmt.Fprintf(w, "%s\t%s\n", s.name, s)
	}
	return w.Flush()
}

func configureSet(t *Term, name, arg string) error {
	var field reflect.Value
	for _, s := range settings(t.conf) {
		if s.name == name {
			field = s.value
			break
		}
	}
	if !field.IsValid() {
		return fmt.Errorf("%q is not a configuration parameter", name)
	}

	typ := field.Type()
	if field.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	v, err := parseSetting(name, typ, arg)
	if err != nil {
		return err
	}
	if field.Kind() == reflect.Ptr {
		p := reflect.New(typ)
		p.Elem().Set(v)
		v = p
	}
	field.Set(v)
	return nil
}

func parseSetting(name string, typ reflect.Type, arg string) (reflect.Value, error) {
	switch typ.Kind() {
	case reflect.Int:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return reflect.Value{}, fmt.Errorf("argument to %q must be a number >= 0", name)
		}
		return reflect.ValueOf(n), nil
	case reflect.Uint64:
		n, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("argument to %q must be a number", name)
		}
		return reflect.ValueOf(n), nil
	case reflect.Bool:
		b, err := strconv.ParseBool(arg)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("argument to %q must be true or false", name)
		}
		return reflect.ValueOf(b), nil
	case reflect.String:
		argv, err := splitArgs(arg)
		if err != nil {
			return reflect.Value{}, err
		}
		if len(argv) != 1 {
			return reflect.Value{}, fmt.Errorf("argument to %q must be a single word", name)
		}
		return reflect.ValueOf(argv[0]), nil
	}
	return reflect.Value{}, fmt.Errorf("unsupported type for configuration key %q", name)
}

// configureSetAlias adds "config alias <command> <alias>" or removes
// "config alias <alias>" an alias.
func configureSetAlias(t *Term, rest string) error {
	argv, err := splitArgs(rest)
	if err != nil {
		return err
	}
	switch len(argv) {
	case 1:
		for cmd, aliases := range t.conf.Aliases {
			for i, alias := range aliases {
				if alias == argv[0] {
					t.conf.Aliases[cmd] = append(aliases[:i:i], aliases[i+1:]...)
					break
				}
			}
		}
	case 2:
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[argv[0]] = append(t.conf.Aliases[argv[0]], argv[1])
	default:
		return fmt.Errorf("wrong number of arguments to \"config alias\"")
	}
	t.cmds.Merge(t.conf.Aliases)
	return nil
}
