package source

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/types"
)

// Handle is a resolved installation repository. Handles backed by a mount
// own it until Close, which unmounts and removes the mount point.
type Handle struct {
	repo    string
	baseURL string
	mnt     string
	closer  *mountCloser
}

// BaseURL is the prefix to which repository-relative paths are appended.
// It always ends in "/".
func (h *Handle) BaseURL() string { return h.baseURL }

// MountPoint is the local directory of a mounted repository, or "".
func (h *Handle) MountPoint() string { return h.mnt }

// Repository is the locator the handle was resolved from.
func (h *Handle) Repository() string { return h.repo }

// Close releases the mount, if any. It is idempotent.
func (h *Handle) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}

// Resolver turns repository locators into handles.
type Resolver struct {
	// CDMounter mounts optical media (iso9660).
	CDMounter Mounter
	// NFSMounter mounts NFS exports.
	NFSMounter Mounter
	// ScratchDir holds the temporary mount points.
	ScratchDir string
}

// Resolve maps repo to a handle. image is the VM's boot device, used when
// repo is "cdrom".
func (r *Resolver) Resolve(ctx context.Context, repo, image string) (*Handle, error) {
	switch {
	case types.IsCDROM(repo):
		return r.MountCD(ctx, image)
	case types.IsNFS(repo):
		return r.MountNFS(ctx, repo)
	case types.IsNetwork(repo):
		base := repo
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return &Handle{repo: repo, baseURL: base}, nil
	}
	return nil, apierr.InvalidSource("unsupported repository %s", repo)
}

// MountCD mounts the CD image read-only on a fresh temporary directory.
func (r *Resolver) MountCD(ctx context.Context, image string) (*Handle, error) {
	logrus.Debugf("mounting CD repo %s", image)

	if info, err := os.Stat(image); err == nil && info.Mode().IsRegular() {
		if err := ProbeISO(image); err != nil {
			logrus.Debugf("probe %s: %v", image, err)
			return nil, apierr.InvalidSource("cdrom repo %s", image)
		}
	}

	mnt, err := os.MkdirTemp(r.ScratchDir, "cdrom-repo-")
	if err != nil {
		return nil, errors.Wrap(err, "create mount point")
	}

	if err := r.CDMounter.Mount(ctx, image, mnt, "iso9660", true); err != nil {
		logrus.Debugf("mount %s: %v", image, err)
		discard(r.CDMounter, mnt)
		return nil, apierr.InvalidSource("cdrom repo %s", image)
	}

	return &Handle{
		repo:    types.RepositoryCDROM,
		baseURL: "file://" + mnt + "/",
		mnt:     mnt,
		closer:  newMountCloser(r.CDMounter, mnt),
	}, nil
}

// MountNFS mounts the export named by repo read-only on a fresh temporary
// directory.
func (r *Resolver) MountNFS(ctx context.Context, repo string) (*Handle, error) {
	logrus.Debugf("mounting NFS repo %s", repo)

	server, dir, err := ParseNFSLocator(repo)
	if err != nil {
		return nil, err
	}

	mnt, err := os.MkdirTemp(r.ScratchDir, "nfs-repo-")
	if err != nil {
		return nil, errors.Wrap(err, "create mount point")
	}

	if err := r.NFSMounter.Mount(ctx, server+":"+dir, mnt, "nfs", true); err != nil {
		logrus.Debugf("mount %s: %v", repo, err)
		discard(r.NFSMounter, mnt)
		return nil, apierr.InvalidSource("nfs repo %s", repo)
	}

	return &Handle{
		repo:    repo,
		baseURL: "file://" + mnt + "/",
		mnt:     mnt,
		closer:  newMountCloser(r.NFSMounter, mnt),
	}, nil
}

// ParseNFSLocator splits an NFS locator into server and export directory.
// Accepted forms are nfs:server:/path, nfs://server/path and
// nfs://server:/path.
func ParseNFSLocator(repo string) (server, dir string, err error) {
	if rest, ok := strings.CutPrefix(repo, "nfs://"); ok {
		host, path, found := strings.Cut(rest, "/")
		if !found {
			return "", "", apierr.InvalidSource("NFS path was not in a valid format")
		}
		server = strings.TrimRight(host, ":")
		dir = "/" + path
	} else {
		parts := strings.SplitN(repo, ":", 3)
		if len(parts) != 3 {
			return "", "", apierr.InvalidSource("NFS path was not in a valid format")
		}
		server, dir = parts[1], parts[2]
	}

	if !strings.HasPrefix(dir, "/") {
		return "", "", apierr.InvalidSource("Directory part of NFS path was not an absolute path.")
	}
	return server, dir, nil
}
