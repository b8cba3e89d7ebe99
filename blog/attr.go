// Helpers so that commonly logged values always use the same key and value
// type. Reserved keys, not to be used elsewhere: "time", "level", "msg",
// "source", "error" and "audit".

package blog

import "log/slog"

// Cert identifies a renewable certificate definition by name.
func Cert(name string) slog.Attr {
	return slog.String("cert", name)
}

// Instance identifies a concrete certificate instance by its database ID.
func Instance(id int64) slog.Attr {
	return slog.Int64("instance", id)
}

// Domain is a DNS name being validated or published.
func Domain(name string) slog.Attr {
	return slog.String("domain", name)
}

// Place is a distribution target by name.
func Place(name string) slog.Attr {
	return slog.String("place", name)
}

// CA is an issuing authority by name.
func CA(name string) slog.Attr {
	return slog.String("ca", name)
}

// Batch is the unique ID of one renewal or maintenance run.
func Batch(id string) slog.Attr {
	return slog.String("batch", id)
}
