package awsutil

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// discoveryRegion is the region used for bucket-location lookups; the
// per-bucket region discovered there is what actually gets used.
const discoveryRegion = "us-east-1"

// IsS3URI returns true if the path is an s3 uri.
func IsS3URI(path string) bool {
	return strings.HasPrefix(path, "s3://")
}

// ValidateURI checks whether the given uri points to S3.
func ValidateURI(uri string) (*url.URL, error) {
	s3url, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if s3url.Scheme != "s3" {
		return nil, fmt.Errorf("url is not an s3 path: %s", s3url.String())
	}
	return s3url, nil
}

func objectRegion(uri *url.URL) (string, error) {
	sess, err := session.NewSession()
	if err != nil {
		return "", err
	}

	s3client := s3.New(sess, aws.NewConfig().WithRegion(discoveryRegion))

	out, err := s3client.GetBucketLocation(&s3.GetBucketLocationInput{
		Bucket: &uri.Host,
	})
	if err != nil {
		return "", err
	}

	if out.LocationConstraint == nil {
		return "us-east-1", nil
	}
	return *out.LocationConstraint, nil
}

func regionClient(uri *url.URL) (*s3.S3, error) {
	region, err := objectRegion(uri)
	if err != nil {
		return nil, fmt.Errorf("unable to determine region: %s", err)
	}

	sess, err := session.NewSession()
	if err != nil {
		return nil, err
	}
	return s3.New(sess, aws.NewConfig().WithRegion(region)), nil
}

// NewS3Reader returns an io.ReadCloser that will read the contents
// of the file pointed to by the uri. URI will be of the form
// s3://bucket-name/path/to/file
func NewS3Reader(uri string) (io.ReadCloser, error) {
	s3url, err := ValidateURI(uri)
	if err != nil {
		return nil, err
	}

	s3client, err := regionClient(s3url)
	if err != nil {
		return nil, err
	}

	key := strings.TrimPrefix(s3url.Path, "/")
	out, err := s3client.GetObject(&s3.GetObjectInput{
		Bucket: &s3url.Host,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

type bufferedS3Writer struct {
	f     *os.File
	s3uri *url.URL
}

// Write writes to disk
func (w bufferedS3Writer) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close flushes to disk, copies the written data to s3, and closes the file
func (w bufferedS3Writer) Close() error {
	defer os.Remove(w.f.Name()) // delete the buffer file from disk
	defer w.f.Close()           // after closing the buffer file handle

	w.f.Sync()               // flush to disk
	_, err := w.f.Seek(0, 0) // seek to beginning to allow s3 library to read
	if err != nil {
		return err
	}

	s3client, err := regionClient(w.s3uri)
	if err != nil {
		return err
	}

	key := strings.TrimPrefix(w.s3uri.Path, "/")
	_, err = s3client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(w.s3uri.Host),
		Key:    aws.String(key),
		Body:   w.f,
	})
	return err
}

func (w bufferedS3Writer) Name() string {
	return w.s3uri.String()
}

// NamedWriteCloser is a file-like object extending io.WriteCloser with a string Name() similar to os.File.Name()
type NamedWriteCloser interface {
	io.WriteCloser
	Name() string
}

// NewBufferedS3Writer returns an io.WriteCloser that will write
// to disk and upload to S3 on Close
func NewBufferedS3Writer(uri string) (NamedWriteCloser, error) {
	s3url, err := ValidateURI(uri)
	if err != nil {
		return nil, err
	}

	f, err := ioutil.TempFile("", "s3buffer")
	if err != nil {
		return nil, err
	}
	return bufferedS3Writer{f: f, s3uri: s3url}, nil
}

// S3PutObject writes the contents of the specified reader
// to the specified s3 URI.
func S3PutObject(r io.ReadSeeker, uri string) error {
	s3url, err := ValidateURI(uri)
	if err != nil {
		return err
	}

	s3client, err := regionClient(s3url)
	if err != nil {
		return err
	}

	key := strings.TrimPrefix(s3url.Path, "/")
	_, err = s3client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s3url.Host),
		Key:    aws.String(key),
		Body:   r,
	})
	return err
}

// S3ListObjects lists the objects under an s3 prefix uri, returning fully
// qualified s3:// uris. Size-zero objects are skipped since they typically
// correspond to directories and are thus not fetchable.
func S3ListObjects(uri string) ([]string, error) {
	s3url, err := ValidateURI(uri)
	if err != nil {
		return nil, err
	}

	s3client, err := regionClient(s3url)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimPrefix(s3url.Path, "/")
	params := &s3.ListObjectsInput{
		Bucket: aws.String(s3url.Host),
		Prefix: aws.String(prefix),
	}

	var uris []string
	err = s3client.ListObjectsPages(params, func(p *s3.ListObjectsOutput, lastPage bool) bool {
		for _, obj := range p.Contents {
			if *obj.Size == 0 {
				continue
			}
			uris = append(uris, fmt.Sprintf("s3://%s/%s", s3url.Host, *obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("error listing objects in `%s`: %v", uri, err)
	}
	return uris, nil
}
