package sa

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/letsencrypt/borp"
)

// PKITypeConverter is used by borp for storing objects in DB.
type PKITypeConverter struct{}

// ToDb converts a Go value to one suitable for the DB representation.
func (tc PKITypeConverter) ToDb(val any) (any, error) {
	switch t := val.(type) {
	case []string:
		if t == nil {
			t = []string{}
		}
		jsonBytes, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(jsonBytes), nil
	// Time types get truncated to the nearest second. Given our DB schema,
	// only seconds are stored anyhow.
	case time.Time:
		return t.UTC().Truncate(time.Second), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		newT := t.UTC().Truncate(time.Second)
		return &newT, nil
	default:
		return val, nil
	}
}

// FromDb converts a DB representation back into a Go value.
func (tc PKITypeConverter) FromDb(target any) (borp.CustomScanner, bool) {
	switch target.(type) {
	case *[]string:
		binder := func(holder, target any) error {
			s, ok := holder.(*string)
			if !ok {
				return errors.New("FromDb: Unable to convert *string")
			}
			if *s == "" {
				return nil
			}
			err := json.Unmarshal([]byte(*s), target)
			if err != nil {
				return fmt.Errorf("binder failed to unmarshal %T: %w", target, err)
			}
			return nil
		}
		return borp.CustomScanner{Holder: new(string), Target: target, Binder: binder}, true
	default:
		return borp.CustomScanner{}, false
	}
}
