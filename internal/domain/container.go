package domain

import (
	"fmt"
	"strings"
	"time"
)

type ContainerName string

type Image string

const (
	ImageBuild  Image = "build"
	ImageDeploy Image = "deploy"
)

func ParseImage(raw string) (Image, error) {
	switch Image(strings.ToLower(strings.TrimSpace(raw))) {
	case ImageBuild:
		return ImageBuild, nil
	case ImageDeploy:
		return ImageDeploy, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownImage, raw)
	}
}

// ImageTable maps an image to whatever a runtime needs to start it: an
// endpoint URL for remote containers, an image reference for docker. Default
// is used for images without an entry; when it is empty such images are
// rejected.
type ImageTable struct {
	Build   string
	Deploy  string
	Default string
}

func (t ImageTable) Resolve(image Image) (string, error) {
	var value string
	switch image {
	case ImageBuild:
		value = t.Build
	case ImageDeploy:
		value = t.Deploy
	}
	if value == "" {
		value = t.Default
	}
	if value == "" {
		return "", fmt.Errorf("%w %q", ErrUnknownImage, image)
	}

	return value, nil
}

type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerExited  ContainerState = "exited"
)

type ContainerInfo struct {
	Name      ContainerName
	Image     Image
	State     ContainerState
	CreatedAt time.Time
}

func (i ContainerInfo) Running() bool {
	return i.State == ContainerRunning
}

// Volume binds a source into the container at Target. Sources starting with
// gs:// are mounted inside the container; anything else is a host directory.
type Volume struct {
	Source string
	Target string
}

const bucketScheme = "gs://"

func ParseVolume(raw string) (Volume, error) {
	trimmed := strings.TrimSpace(raw)
	rest := trimmed
	prefix := ""
	if strings.HasPrefix(rest, bucketScheme) {
		prefix = bucketScheme
		rest = strings.TrimPrefix(rest, bucketScheme)
	}

	source, target, ok := strings.Cut(rest, ":")
	if !ok || source == "" || target == "" {
		return Volume{}, fmt.Errorf("invalid volume %q: want source:target", raw)
	}

	return Volume{Source: prefix + source, Target: target}, nil
}

func (v Volume) IsBucket() bool {
	return strings.HasPrefix(v.Source, bucketScheme)
}

// Bucket splits a gs://bucket/path source into bucket and path.
func (v Volume) Bucket() (bucket string, path string, ok bool) {
	if !v.IsBucket() {
		return "", "", false
	}

	rest := strings.TrimPrefix(v.Source, bucketScheme)
	bucket, path, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}

	return bucket, strings.Trim(path, "/"), true
}

type RunOptions struct {
	Volumes []Volume
	Env     map[string]string
	Files   map[string][]byte
}

type ExecOptions struct {
	User    string
	Cwd     string
	Env     map[string]string
	Files   map[string][]byte
	Timeout time.Duration
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}
