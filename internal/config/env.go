package config

import (
	"errors"
	"io/fs"
	"os"
	"reflect"
	"regexp"

	"github.com/joho/godotenv"

	"github.com/semmidev/dbvault/internal/domain"
)

// DefaultEnvFile is loaded when no --env-file is given. Its absence is not an error.
const DefaultEnvFile = ".env"

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// LoadEnvFile loads dotenv variables without overriding ones already set.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return domain.ConfigError("failed to load env file %s: %v", path, err)
	}
	return nil
}

// ExpandString resolves ${VAR} and ${VAR:-default}. An unset ${VAR} without a default is left as written.
func ExpandString(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		return ref
	})
}

// expandEnv walks every string field of cfg, including those inside slices.
func expandEnv(cfg *Config) {
	expandValue(reflect.ValueOf(cfg).Elem())
}

func expandValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(ExpandString(v.String()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	}
}
