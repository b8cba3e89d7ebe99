package sa

import (
	"testing"
	"time"

	"github.com/serverpki/serverpki/test"
)

func TestStringSlice(t *testing.T) {
	tc := PKITypeConverter{}
	v, err := tc.ToDb([]string{"www.example.com", "example.com"})
	test.AssertNotError(t, err, "Could not ToDb")
	test.AssertEquals(t, v, `["www.example.com","example.com"]`)

	v, err = tc.ToDb([]string(nil))
	test.AssertNotError(t, err, "Could not ToDb nil slice")
	test.AssertEquals(t, v, `[]`)

	var out []string
	scanner, ok := tc.FromDb(&out)
	test.Assert(t, ok, "FromDb failed")
	s := `["a.example","b.example"]`
	err = scanner.Binder(&s, &out)
	test.AssertNotError(t, err, "failed to bind")
	test.AssertDeepEquals(t, out, []string{"a.example", "b.example"})

	bad := `[`
	test.AssertError(t, scanner.Binder(&bad, &out), "expected error binding bad JSON")
}

func TestTimeTruncation(t *testing.T) {
	tc := PKITypeConverter{}
	ts := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	v, err := tc.ToDb(ts)
	test.AssertNotError(t, err, "Could not ToDb")
	test.AssertEquals(t, v, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))

	v, err = tc.ToDb((*time.Time)(nil))
	test.AssertNotError(t, err, "Could not ToDb nil time")
	test.AssertEquals(t, v, nil)

	v, err = tc.ToDb(&ts)
	test.AssertNotError(t, err, "Could not ToDb time pointer")
	test.AssertEquals(t, *(v.(*time.Time)), time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
}

func TestUnhandledType(t *testing.T) {
	tc := PKITypeConverter{}
	v, err := tc.ToDb(int64(7))
	test.AssertNotError(t, err, "Could not ToDb")
	test.AssertEquals(t, v, int64(7))

	var n int64
	_, ok := tc.FromDb(&n)
	test.Assert(t, !ok, "FromDb claimed to handle *int64")
}
