package initrd

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/xenserver/eliloader/internal/apierr"
)

// Checksum returns the lowercase hex md5 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		logrus.Debugf("md5 %s: %v", path, err)
		return "", apierr.InvalidSource("md5sum failed.")
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		logrus.Debugf("md5 %s: %v", path, err)
		return "", apierr.InvalidSource("md5sum failed.")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
