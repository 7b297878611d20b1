package loader

import (
	"bytes"
	"io/ioutil"

	"github.com/pkg/errors"
)

var UnknownMagic = errors.New("Could not identify file magic.")

func ReadFile(path string) (*Image, error) {
	p, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(bytes.NewReader(p))
}

func WriteFile(path string, img *Image) error {
	p, err := img.Bytes()
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, p, 0644)
}
