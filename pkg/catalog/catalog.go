// Package catalog resolves image aliases to downloadable artifacts.
//
// A catalog is a small YAML manifest grouping images under named remotes.
// Launch requests name images either as a bare alias ("jammy"), a
// remote-qualified alias ("daily:noble"), or a direct http(s) URL which
// bypasses the catalog entirely.
package catalog

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

// DefaultRemote is consulted when an image name carries no remote prefix.
const DefaultRemote = "release"

var ErrImageNotFound = errors.New("image not found in catalog")

// Image is one resolvable catalog entry.
type Image struct {
	Aliases    []string `yaml:"aliases"`
	URL        string   `yaml:"url"`
	KernelURL  string   `yaml:"kernel_url,omitempty"`
	InitrdURL  string   `yaml:"initrd_url,omitempty"`
	SizeBytes  int64    `yaml:"size_bytes,omitempty"`
	Release    string   `yaml:"release"`
	Version    string   `yaml:"version,omitempty"`
	SSHUser    string   `yaml:"ssh_user,omitempty"`
	Deprecated bool     `yaml:"deprecated,omitempty"`
}

// Manifest is the decoded catalog document.
type Manifest struct {
	Remotes map[string][]Image `yaml:"remotes"`
}

// Resolved is what the launch pipeline needs to provision an instance image.
// UpdateAvailable names the current release when the matched image is marked
// deprecated in the manifest.
type Resolved struct {
	URL             string
	KernelURL       string
	InitrdURL       string
	SizeBytes       int64
	Release         string
	SSHUser         string
	UpdateAvailable string
}

type manifestSource interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Catalog fetches its manifest lazily and caches the decoded document for the
// lifetime of the process. The manifest transfer itself goes through the
// download cache, so a daemon restart does not re-pull an unchanged manifest.
type Catalog struct {
	url      string
	source   manifestSource
	manifest *Manifest
}

func New(manifestURL string, source manifestSource) *Catalog {
	return &Catalog{url: manifestURL, source: source}
}

// NewStatic wraps an already decoded manifest, used by tests and by the
// embedded fallback catalog.
func NewStatic(m *Manifest) *Catalog {
	return &Catalog{manifest: m}
}

// Resolve maps an image name to its artifact URLs. Direct http(s) URLs pass
// through untouched with the release title derived from the URL path.
func (c *Catalog) Resolve(ctx context.Context, image string) (*Resolved, error) {
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return &Resolved{URL: image, Release: releaseFromURL(image)}, nil
	}

	remote, alias := SplitName(image)

	m, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	images, ok := m.Remotes[remote]
	if !ok {
		return nil, errors.Errorf("unknown remote %q: %w", remote, ErrImageNotFound)
	}
	for i := range images {
		img := &images[i]
		for _, a := range img.Aliases {
			if a == alias {
				res := &Resolved{
					URL:       img.URL,
					KernelURL: img.KernelURL,
					InitrdURL: img.InitrdURL,
					SizeBytes: img.SizeBytes,
					Release:   img.Release,
					SSHUser:   img.SSHUser,
				}
				if img.Deprecated {
					res.UpdateAvailable = currentRelease(images)
				}
				return res, nil
			}
		}
	}
	return nil, errors.Errorf("%q in remote %q: %w", alias, remote, ErrImageNotFound)
}

// SplitName separates an optional remote prefix from the alias. A name with
// no prefix belongs to DefaultRemote.
func SplitName(image string) (remote, alias string) {
	if i := strings.IndexByte(image, ':'); i >= 0 {
		return image[:i], image[i+1:]
	}
	return DefaultRemote, image
}

func (c *Catalog) load(ctx context.Context) (*Manifest, error) {
	if c.manifest != nil {
		return c.manifest, nil
	}

	zerolog.Ctx(ctx).Debug().Str("url", c.url).Msg("fetching image catalog")

	data, err := c.source.Download(ctx, c.url)
	if err != nil {
		return nil, errors.Errorf("fetching catalog %s: %w", c.url, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Errorf("decoding catalog %s: %w", c.url, err)
	}
	if len(m.Remotes) == 0 {
		return nil, errors.Errorf("catalog %s has no remotes", c.url)
	}

	c.manifest = &m
	return c.manifest, nil
}

// currentRelease names the first image in the remote still in support, so a
// launch from a deprecated alias can point the user at its replacement.
func currentRelease(images []Image) string {
	for i := range images {
		if !images[i].Deprecated {
			return images[i].Release
		}
	}
	return ""
}

func releaseFromURL(url string) string {
	trimmed := strings.TrimSuffix(url, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}

// Builtin is the manifest used when no catalog URL is configured. It tracks
// the current Ubuntu LTS cloud images.
func Builtin() *Catalog {
	return NewStatic(&Manifest{
		Remotes: map[string][]Image{
			DefaultRemote: {
				{
					Aliases: []string{"jammy", "22.04", "lts-previous"},
					URL:     "https://cloud-images.ubuntu.com/jammy/current/jammy-server-cloudimg-amd64.img",
					Release: "Ubuntu 22.04 LTS",
					SSHUser: "ubuntu",
				},
				{
					Aliases: []string{"noble", "24.04", "lts", "default"},
					URL:     "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
					Release: "Ubuntu 24.04 LTS",
					SSHUser: "ubuntu",
				},
			},
		},
	})
}
