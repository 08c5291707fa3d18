package memory

import (
	"testing"

	"github.com/marmos91/dittolock/pkg/lockservice"
	locktesting "github.com/marmos91/dittolock/pkg/lockservice/testing"
)

// TestMemoryRecordStore runs the record store conformance suite against the
// in-memory implementation.
func TestMemoryRecordStore(t *testing.T) {
	suite := &locktesting.RecordStoreTestSuite{
		NewStore: func(t *testing.T) lockservice.RecordStore {
			return NewMemoryRecordStore()
		},
	}
	suite.Run(t)
}
