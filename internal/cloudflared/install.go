package cloudflared

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// AssetName returns the release asset for goos/goarch and whether it is a
// gzipped tarball that must be unpacked.
func AssetName(goos, goarch string) (string, bool, error) {
	switch goos {
	case "linux":
		switch goarch {
		case "amd64", "arm64", "arm", "386":
			return "cloudflared-linux-" + goarch, false, nil
		}
	case "darwin":
		switch goarch {
		case "amd64", "arm64":
			return "cloudflared-darwin-" + goarch + ".tgz", true, nil
		}
	case "windows":
		switch goarch {
		case "amd64", "386":
			return "cloudflared-windows-" + goarch + ".exe", false, nil
		}
	}
	return "", false, fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

// Installer downloads the client into a managed bin directory.
type Installer struct {
	Fs      afero.Fs
	HTTP    *http.Client
	BaseURL string
	BinDir  string
	GOOS    string
	GOARCH  string
}

// NewInstaller returns an installer for the running platform on the real filesystem.
func NewInstaller(baseURL, binDir string) *Installer {
	return &Installer{
		Fs:      afero.NewOsFs(),
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
		BaseURL: baseURL,
		BinDir:  binDir,
		GOOS:    runtime.GOOS,
		GOARCH:  runtime.GOARCH,
	}
}

// Ensure returns a usable binary, installing one when Locate finds nothing.
func (i *Installer) Ensure(ctx context.Context, explicit string) (path string, installed bool, err error) {
	if p, err := Locate(explicit, i.BinDir); err == nil {
		return p, false, nil
	} else if explicit != "" {
		return "", false, err
	}
	p, err := i.Install(ctx)
	if err != nil {
		return "", false, err
	}
	return p, true, nil
}

// Install downloads the release asset for the installer's platform and
// atomically places the executable in BinDir.
func (i *Installer) Install(ctx context.Context) (string, error) {
	asset, archive, err := AssetName(i.GOOS, i.GOARCH)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(i.BaseURL, "/") + "/" + asset
	log.Debug().Str("url", url).Msg("downloading cloudflared")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := i.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", asset, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: HTTP %d", asset, resp.StatusCode)
	}

	var src io.Reader = resp.Body
	if archive {
		src, err = binaryFromTarball(resp.Body)
		if err != nil {
			return "", fmt.Errorf("unpack %s: %w", asset, err)
		}
	}

	if err := i.Fs.MkdirAll(i.BinDir, 0o700); err != nil {
		return "", err
	}
	dest := filepath.Join(i.BinDir, BinaryName(i.GOOS))
	tmp, err := afero.TempFile(i.Fs, i.BinDir, ".cloudflared.*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() { _ = i.Fs.Remove(tmpName) }()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := i.Fs.Chmod(tmpName, 0o755); err != nil {
		return "", err
	}
	if err := i.Fs.Rename(tmpName, dest); err != nil {
		return "", err
	}
	log.Info().Str("path", dest).Msg("installed cloudflared")
	return dest, nil
}

// binaryFromTarball positions a reader on the cloudflared entry of a .tgz.
func binaryFromTarball(r io.Reader) (io.Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive has no cloudflared entry")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg && filepath.Base(hdr.Name) == "cloudflared" {
			return tr, nil
		}
	}
}
