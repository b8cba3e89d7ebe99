// Package distributor writes issued material to places. Every enabled place
// is handled on its own: a failing place is reported and never keeps the
// others from being written.
package distributor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/fileutil"
)

// s3Putter matches the subset of the s3.Client interface which we use, to
// allow simpler mocking.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

const (
	defaultKeyMode  = 0o400
	defaultCertMode = 0o644
)

// Config says where file places live and how many are written at once.
type Config struct {
	// Root is prepended to every file place path. It is "/" in production.
	Root string
	// JailRoot holds the jails of places that have one.
	JailRoot    string
	Parallelism int
	// ReloadTimeout bounds a place's reload command.
	ReloadTimeout time.Duration
}

// Result is the outcome for one place.
type Result struct {
	Place string
	// Files lists what was written, as paths or s3 keys.
	Files []string
	// Err is a DistributionError.
	Err error
}

// Results holds one Result per enabled place, sorted by place name.
type Results []Result

// AllSucceeded reports whether every place was written.
func (r Results) AllSucceeded() bool {
	return len(r.Failed()) == 0
}

// Failed returns the names of the places that failed.
func (r Results) Failed() []string {
	var out []string
	for _, res := range r {
		if res.Err != nil {
			out = append(out, res.Place)
		}
	}
	return out
}

// Err joins the errors of all failed places, or returns nil.
func (r Results) Err() error {
	var errs []error
	for _, res := range r {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Distributor writes bundles to places.
type Distributor struct {
	cfg Config
	s3  s3Putter

	results *prometheus.CounterVec
}

// New returns a Distributor. s3Client may be nil when no place is an s3
// target.
func New(cfg Config, s3Client s3Putter, stats prometheus.Registerer) *Distributor {
	if cfg.Root == "" {
		cfg.Root = "/"
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = 30 * time.Second
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distribution_results",
		Help: "Number of bundles written to places, by place and result",
	}, []string{"place", "result"})
	stats.MustRegister(results)
	return &Distributor{cfg: cfg, s3: s3Client, results: results}
}

// Distribute writes b to every enabled place. It never returns early: the
// results say which places succeeded.
func (d *Distributor) Distribute(ctx context.Context, b Bundle, places []*core.Place) Results {
	var enabled []*core.Place
	for _, p := range places {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	slices.SortFunc(enabled, func(x, y *core.Place) int { return strings.Compare(x.Name, y.Name) })

	results := make(Results, len(enabled))
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Parallelism)
	for i, p := range enabled {
		g.Go(func() error {
			pctx := blog.ContextWith(ctx, blog.Cert(b.Name), blog.Place(p.Name))
			files, err := d.distributeOne(pctx, b, p)
			results[i] = Result{Place: p.Name, Files: files}
			if err != nil {
				results[i].Err = &berrors.DistributionError{Place: p.Name, Err: err}
				d.results.WithLabelValues(p.Name, "failure").Inc()
				blog.Error(pctx, "Distribution failed", err, slog.String("host", p.Host))
				return nil
			}
			d.results.WithLabelValues(p.Name, "success").Inc()
			blog.Info(pctx, "Distributed", slog.String("host", p.Host), slog.Int("files", len(files)))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Distributor) distributeOne(ctx context.Context, b Bundle, p *core.Place) ([]string, error) {
	files, err := Render(b, p.Layout)
	if err != nil {
		return nil, err
	}
	switch p.Target {
	case core.TargetFile, "":
		return d.writeFiles(ctx, b, p, files)
	case core.TargetS3:
		return d.putObjects(ctx, b, p, files)
	}
	return nil, fmt.Errorf("unknown target %q", p.Target)
}

// expandPath replaces "{}" in a place path by the certificate name.
func expandPath(p, name string) string {
	return strings.ReplaceAll(p, "{}", name)
}

// placeDirs returns the certificate and key directories of a file place.
func (d *Distributor) placeDirs(b Bundle, p *core.Place) (string, string) {
	base := d.cfg.Root
	if p.Jail != "" {
		base = filepath.Join(base, d.cfg.JailRoot, p.Jail)
	}
	certDir := filepath.Join(base, expandPath(p.CertPath, b.Name))
	keyDir := certDir
	if p.KeyPath != "" {
		keyDir = filepath.Join(base, expandPath(p.KeyPath, b.Name))
	}
	return certDir, keyDir
}

func (d *Distributor) writeFiles(ctx context.Context, b Bundle, p *core.Place, files []File) ([]string, error) {
	certDir, keyDir := d.placeDirs(b, p)
	keyMode := os.FileMode(defaultKeyMode)
	if p.Mode != 0 {
		keyMode = os.FileMode(p.Mode)
	}
	uid, gid := -1, -1
	if p.UID != 0 || p.GID != 0 {
		uid, gid = p.UID, p.GID
	}

	// Every file of the place is staged first and swapped in together, so
	// a failure never leaves a new key next to an old certificate.
	var set fileutil.FileSet
	defer set.Discard()
	var written []string
	for _, f := range files {
		dir := certDir
		if f.KeyOnly {
			dir = keyDir
		}
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return nil, err
		}
		target := filepath.Join(dir, f.Name)
		mode := os.FileMode(defaultCertMode)
		fu, fg := -1, -1
		if f.Key {
			mode = keyMode
		}
		if f.Key || p.ChownBoth {
			fu, fg = uid, gid
		}
		err = set.Add(target, f.Data, mode, fu, fg)
		if err != nil {
			return nil, err
		}
		written = append(written, target)
	}
	err := set.Commit()
	if err != nil {
		return nil, err
	}
	for _, target := range written {
		blog.Debug(ctx, "Wrote file", slog.String("path", target))
	}

	if p.PGLink {
		crtLinked := false
		for i, f := range files {
			dir := filepath.Dir(written[i])
			link := ""
			switch {
			case f.KeyOnly:
				link = "postgresql.key"
			case !f.Key && !crtLinked:
				link = "postgresql.crt"
				crtLinked = true
			}
			if link != "" {
				err = relink(filepath.Join(dir, link), f.Name)
				if err != nil {
					return written, err
				}
			}
		}
	}

	if p.ReloadCommand != "" {
		rctx, cancel := context.WithTimeout(ctx, d.cfg.ReloadTimeout)
		defer cancel()
		err = fileutil.RunCommand(rctx, p.ReloadCommand, p.Jail)
		if err != nil {
			return written, fmt.Errorf("reloading: %w", err)
		}
	}
	return written, nil
}

// relink points the symlink at path to target, replacing what was there.
func relink(path, target string) error {
	current, err := os.Readlink(path)
	if err == nil && current == target {
		return nil
	}
	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(target, path)
}

func (d *Distributor) putObjects(ctx context.Context, b Bundle, p *core.Place, files []File) ([]string, error) {
	if d.s3 == nil {
		return nil, errors.New("no S3 client is configured")
	}
	if p.Bucket == "" {
		return nil, errors.New("s3 place has no bucket")
	}
	prefix := expandPath(p.CertPath, b.Name)
	var written []string
	for _, f := range files {
		key := path.Join(prefix, f.Name)
		contentType := "application/x-pem-file"
		_, err := d.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &p.Bucket,
			Key:         &key,
			Body:        bytes.NewReader(f.Data),
			ContentType: &contentType,
		})
		if err != nil {
			return written, fmt.Errorf("uploading s3://%s/%s: %w", p.Bucket, key, err)
		}
		written = append(written, "s3://"+p.Bucket+"/"+key)
	}
	return written, nil
}
