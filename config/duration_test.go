package config

import (
	"encoding/json"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/serverpki/serverpki/test"
)

func TestDurationJSON(t *testing.T) {
	var d Duration
	err := json.Unmarshal([]byte(`"90s"`), &d)
	test.AssertNotError(t, err, "unmarshaling a duration string")
	test.AssertEquals(t, d.Duration, 90*time.Second)

	err = json.Unmarshal([]byte(`90`), &d)
	test.AssertErrorIs(t, err, ErrDurationMustBeString)

	out, err := json.Marshal(Duration{5 * time.Minute})
	test.AssertNotError(t, err, "marshaling a duration")
	test.AssertEquals(t, string(out), `"5m0s"`)
}

func TestDurationYAML(t *testing.T) {
	var holder struct {
		Patience Duration `yaml:"patience"`
	}
	err := yaml.Unmarshal([]byte("patience: 2m\n"), &holder)
	test.AssertNotError(t, err, "unmarshaling yaml duration")
	test.AssertEquals(t, holder.Patience.Duration, 2*time.Minute)

	err = yaml.Unmarshal([]byte("patience: 120\n"), &holder)
	test.AssertError(t, err, "bare integer should not parse as a duration")
}

func TestDurationOrAndDays(t *testing.T) {
	test.AssertEquals(t, DurationOr(Duration{}, time.Minute), time.Minute)
	test.AssertEquals(t, DurationOr(Duration{time.Second}, time.Minute), time.Second)
	test.AssertEquals(t, Days(2), 48*time.Hour)
}
