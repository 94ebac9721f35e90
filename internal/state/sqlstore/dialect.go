package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"funding-arb-state/internal/config"
)

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

type dialect struct {
	driver string
	schema string
}

func newDialect(driver, schema string) dialect {
	return dialect{driver: driver, schema: strings.TrimSpace(schema)}
}

func (d dialect) postgres() bool {
	return d.driver == config.DriverPostgres
}

// sqlDriver is the database/sql driver registered for the configured backend.
func (d dialect) sqlDriver() string {
	if d.postgres() {
		return "pgx"
	}
	return "sqlite"
}

func (d dialect) table(name string) string {
	if d.postgres() && d.schema != "" && d.schema != "public" {
		return d.schema + "." + name
	}
	return name
}

func (d dialect) rebind(query string) string {
	if !d.postgres() {
		return query
	}
	return rebindPostgresPlaceholders(query)
}

func (d dialect) timeArg(t time.Time) any {
	t = t.UTC()
	if d.postgres() {
		return t
	}
	return t.Format(sqliteTimeLayout)
}

func (d dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// rebindPostgresPlaceholders turns ? placeholders outside string literals into
// $1..$n.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}
		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}
		out.WriteByte(ch)
	}
	return out.String()
}

func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func scanNullTime(v any) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := scanTime(v)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unparsable timestamp " + strconv.Quote(raw))
}
