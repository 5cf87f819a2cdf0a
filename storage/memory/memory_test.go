package memory

import (
	"testing"

	"github.com/darkauth/darkauth/storage/storagetest"
)

func TestStorageSuite(t *testing.T) {
	storagetest.RunTestSuite(t, New())
}
