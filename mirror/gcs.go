// mirror/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package mirror

import (
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/juju/errors"
	u "github.com/mmp/bkchain/util"
	"golang.org/x/net/context"
	"google.golang.org/api/iterator"
)

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
	// Optional. Objects are stored as Prefix/<name>.
	Prefix string
	// Optional. Defaults to "nearline".
	StorageClass string

	// zero -> unlimited
	MaxUploadBytesPerSecond int
}

// GCS is a Destination that stores files as objects in a Google Cloud
// Storage bucket.
type GCS struct {
	ctx          context.Context
	client       *gcs.Client
	bucket       *gcs.BucketHandle
	name         string
	prefix       string
	storageClass string
	limiter      *Limiter
	log          *u.Logger
}

// NewGCS connects to the bucket given by options, creating it if it
// doesn't exist yet. Credentials come from the environment, as usual for
// the GCS client library.
func NewGCS(ctx context.Context, options GCSOptions, log *u.Logger) (*GCS, error) {
	if options.BucketName == "" {
		return nil, errors.NotValidf("empty GCS bucket name")
	}
	g := &GCS{
		ctx:          ctx,
		name:         options.BucketName,
		prefix:       options.Prefix,
		storageClass: options.StorageClass,
		log:          log,
	}
	if g.prefix != "" && !strings.HasSuffix(g.prefix, "/") {
		g.prefix += "/"
	}
	if g.storageClass == "" {
		g.storageClass = "nearline"
	}

	var err error
	g.client, err = gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	g.bucket = g.client.Bucket(options.BucketName)
	if _, err := g.bucket.Attrs(ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectId == "" {
			g.client.Close()
			return nil, errors.Errorf("%s: bucket doesn't exist and no project was given to create it in",
				options.BucketName)
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		if err := g.bucket.Create(ctx, options.ProjectId, &gcs.BucketAttrs{Location: loc}); err != nil {
			g.client.Close()
			return nil, errors.Trace(err)
		}
	} else if err != nil {
		g.client.Close()
		return nil, errors.Trace(err)
	}

	g.limiter = NewLimiter(options.MaxUploadBytesPerSecond, nil)
	return g, nil
}

// Close releases the client and stops bandwidth limiting.
func (g *GCS) Close() error {
	g.limiter.Stop()
	return errors.Trace(g.client.Close())
}

func (g *GCS) String() string {
	return "gs://" + g.name + "/" + g.prefix
}

func (g *GCS) List() ([]string, error) {
	var names []string
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: g.prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return names, nil
		} else if err != nil {
			return nil, errors.Trace(err)
		}
		names = append(names, strings.TrimPrefix(obj.Name, g.prefix))
	}
}

func (g *GCS) Remove(name string) error {
	return retry(g.log, name, func() error {
		err := g.bucket.Object(g.prefix + name).Delete(g.ctx)
		if err == gcs.ErrObjectNotExist {
			return nil
		}
		return err
	})
}

func (g *GCS) Put(name string, src string) error {
	return retry(g.log, name, func() error {
		return g.upload(g.prefix+name, src)
	})
}

func retry(log *u.Logger, n string, f func() error) error {
	const maxTries = 5
	for tries := 0; ; tries++ {
		err := f()

		if err == nil || tries == maxTries {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		time.Sleep(time.Duration(100*(tries+1)) * time.Millisecond)
	}
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// upload copies the local file src to a temporary object, checks that
// GCS computed the same CRC as we did, and then copies it to its final
// name, so that a partial upload never appears under the final name.
func (g *GCS) upload(name string, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	tmpObj := g.bucket.Object(name + ".tmp")
	g.log.Verbose("%s: starting upload", name)

	w := tmpObj.NewWriter(g.ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	defer tmpObj.Delete(g.ctx)

	crc := crc32.New(castagnoliTable)
	r := &u.ReportingReader{R: io.TeeReader(g.limiter.Reader(f), crc), Msg: name, Log: g.log}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	g.log.Verbose("%s: finished upload", name)

	if local, remote := crc.Sum32(), w.Attrs().CRC32C; local != remote {
		// Most likely corrupted on the way; the retry starts over.
		return errors.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d",
			name, local, remote)
	}

	// Make the final object by copying from the temporary one.
	copier := g.bucket.Object(name).CopierFrom(tmpObj)
	copier.StorageClass = g.storageClass
	// No idea why it insists this be set directly for the copier to work.
	copier.ContentType = "application/octet-stream"

	_, err = copier.Run(g.ctx)
	return err
}
