package filerepo

import (
	"os"
)

// FileResource is a file placed in the repository directory
type FileResource struct {
	path string
	name string
	size int64
}

func newFileResource(path string, name string, size int64) *FileResource {
	return &FileResource{
		path: path,
		name: name,
		size: size,
	}
}

// GetPath returns absolute path of the file
func (resource *FileResource) GetPath() string {
	return resource.path
}

// GetName returns the file name, possibly disambiguated
func (resource *FileResource) GetName() string {
	return resource.name
}

// GetSize returns file size at placement time
func (resource *FileResource) GetSize() int64 {
	return resource.size
}

// Open opens the file for reading
func (resource *FileResource) Open() (*os.File, error) {
	return os.Open(resource.path)
}
