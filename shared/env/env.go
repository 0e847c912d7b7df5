package env

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
)

var hiddenKeys = map[string]bool{
	"TELEGRAM_BOT_TOKEN":      true,
	"BIRDEYE_API_KEY":         true,
	"API_SECRET":              true,
	"DATABASE_URL":            true,
	"PGPASSWORD":              true,
	"LOCAL_DATABASE_PASSWORD": true,
}

// LoadEnv loads variables from the given dotenv files (".env" when none are given).
// Missing files are not an error; variables already set in the process win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Printf("INFO: No %s file found, using process environment only.", file)
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
		log.Printf("INFO: Loaded environment from %s", file)
	}
	return nil
}

// Lookup returns the variable and logs whether it was found, hiding secret values.
func Lookup(key string) string {
	value := os.Getenv(key)
	switch {
	case value == "":
		log.Printf("INFO: Environment variable %s is not set.", key)
	case hiddenKeys[key]:
		log.Printf("INFO: Loaded %s (value hidden)", key)
	default:
		log.Printf("INFO: Loaded %s = %s", key, value)
	}
	return value
}

// ResolveDSN picks the database DSN: DATABASE_URL first, then the PG* variables,
// then the LOCAL_DATABASE_* variables for local development.
func ResolveDSN() (string, error) {
	if dsn := Lookup("DATABASE_URL"); dsn != "" {
		return dsn, nil
	}

	pick := func(primary, fallback string) string {
		if v := Lookup(primary); v != "" {
			return v
		}
		return Lookup(fallback)
	}

	host := pick("PGHOST", "LOCAL_DATABASE_HOST")
	port := pick("PGPORT", "LOCAL_DATABASE_PORT")
	user := pick("PGUSER", "LOCAL_DATABASE_USER")
	password := pick("PGPASSWORD", "LOCAL_DATABASE_PASSWORD")
	name := pick("PGDATABASE", "LOCAL_DATABASE_NAME")

	if host == "" || port == "" || user == "" || name == "" {
		return "", errors.New("database connection variables are missing (DATABASE_URL, PG*, LOCAL_DATABASE_*)")
	}

	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		host, user, password, name, port), nil
}
