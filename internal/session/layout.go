package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const maxCollisionSuffix = 1000

// Layout is the set of artifact paths for one recording. All paths share a
// directory and a base name.
type Layout struct {
	Dir      string `yaml:"dir"`
	Base     string `yaml:"base"`
	Video    string `yaml:"video"`
	Mic      string `yaml:"mic"`
	Speakers string `yaml:"speakers"`
	Final    string `yaml:"final"`
	Manifest string `yaml:"manifest"`
}

// NewLayout creates <root>/<YYYY-MM-DD>/ and derives
// recording_<HH-MM-SS> paths inside it. When any artifact for that second
// already exists a -N suffix is appended.
func NewLayout(root string, at time.Time, container string) (Layout, error) {
	if root == "" {
		return Layout{}, fmt.Errorf("layout: empty output root")
	}
	if container == "" {
		container = "avi"
	}
	dir := filepath.Join(root, at.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Layout{}, fmt.Errorf("layout: %w", err)
	}

	stamp := "recording_" + at.Format("15-04-05")
	for n := 0; n < maxCollisionSuffix; n++ {
		base := stamp
		if n > 0 {
			base = fmt.Sprintf("%s-%d", stamp, n)
		}
		l := layoutFor(dir, base, container)
		if !l.taken() {
			return l, nil
		}
	}
	return Layout{}, fmt.Errorf("layout: no free name for %s in %s", stamp, dir)
}

func layoutFor(dir, base, container string) Layout {
	p := filepath.Join(dir, base)
	return Layout{
		Dir:      dir,
		Base:     base,
		Video:    p + "_temp." + container,
		Mic:      p + "_mic.wav",
		Speakers: p + "_speakers.wav",
		Final:    p + "." + container,
		Manifest: p + ".yaml",
	}
}

func (l Layout) taken() bool {
	for _, p := range []string{l.Video, l.Mic, l.Speakers, l.Final} {
		if _, err := os.Lstat(p); err == nil {
			return true
		}
	}
	return false
}
