package types

import (
	"fmt"
	"strings"

	"github.com/xenserver/eliloader/internal/apierr"
)

// Distro is the distribution family selected by the install-distro key.
type Distro int

const (
	DistroRHLike     Distro = iota // Red Hat style installers (anaconda)
	DistroSLESLike                 // SUSE style installers (linuxrc)
	DistroDebianLike               // debian-installer netboot images
	DistroPygrub                   // media bootable by the delegate loader
)

func (d Distro) String() string {
	switch d {
	case DistroRHLike:
		return "rhlike"
	case DistroSLESLike:
		return "sleslike"
	case DistroDebianLike:
		return "debianlike"
	case DistroPygrub:
		return "pygrub"
	default:
		return "unknown"
	}
}

// ParseDistro maps an install-distro tag to a Distro.
func ParseDistro(tag string) (Distro, error) {
	switch tag {
	case "rhlike":
		return DistroRHLike, nil
	case "sleslike":
		return DistroSLESLike, nil
	case "debianlike":
		return DistroDebianLike, nil
	case "pygrub":
		return DistroPygrub, nil
	}
	return 0, apierr.UnsupportedInstallMethod("Distribution '%s' is not supported.", tag)
}

// RepositoryCDROM is the install-repository value selecting the VM's CD drive.
const RepositoryCDROM = "cdrom"

// IsCDROM reports whether repo selects the CD drive.
func IsCDROM(repo string) bool {
	return repo == RepositoryCDROM
}

// IsNetwork reports whether repo is an http, ftp or nfs locator.
// Prefix matching is intentionally loose: "https" and "nfs:" both qualify.
func IsNetwork(repo string) bool {
	for _, p := range []string{"http", "ftp", "nfs"} {
		if strings.HasPrefix(repo, p) {
			return true
		}
	}
	return false
}

// IsNFS reports whether repo is an NFS locator.
func IsNFS(repo string) bool {
	return strings.HasPrefix(repo, "nfs")
}

// BootSpec is the kernel/ramdisk/args triple handed to the toolstack.
type BootSpec struct {
	Kernel  string
	Ramdisk string // empty when no ramdisk is used
	Args    string
}

// String renders the single line the toolstack parses.
func (b BootSpec) String() string {
	if b.Ramdisk != "" {
		return fmt.Sprintf("linux (kernel %s)(ramdisk %s)(args \"%s\")", b.Kernel, b.Ramdisk, b.Args)
	}
	return fmt.Sprintf("linux (kernel %s)(args \"%s\")", b.Kernel, b.Args)
}

// ParseBootSpec parses the "linux (key value)(key value)..." line printed by
// the delegate loader. Values are taken verbatim, quotes included.
func ParseBootSpec(s string) (map[string]string, error) {
	s = strings.TrimRight(s, "\r\n")
	rest, ok := strings.CutPrefix(s, "linux ")
	if !ok {
		return nil, apierr.InvalidSource("Syntax error parsing pygrub output, linux prefix missing")
	}

	out := map[string]string{}
	for rest != "" {
		if rest[0] != '(' {
			return nil, apierr.InvalidSource("Syntax error parsing pygrub output, opening parenthesis missing")
		}
		end := strings.IndexByte(rest, ')')
		if end == -1 {
			return nil, apierr.InvalidSource("Syntax error parsing pygrub output, closing parenthesis missing")
		}
		item := rest[1:end]
		rest = rest[end+1:]

		key, val, found := strings.Cut(item, " ")
		if !found {
			return nil, apierr.InvalidSource("Syntax error parsing pygrub output, key value separator missing")
		}
		out[key] = val
	}
	return out, nil
}
