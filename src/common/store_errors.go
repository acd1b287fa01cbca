package common

import "fmt"

// StoreErrType enumerates the failure modes of block stores.
type StoreErrType uint32

const (
	// KeyNotFound is returned when nothing is stored under a key.
	KeyNotFound StoreErrType = iota
	// SkippedIndex is returned when a block does not extend the last stored
	// height by exactly one.
	SkippedIndex
	// Empty is returned when the store holds no block yet.
	Empty
	// KeyAlreadyExists is returned when a height is written twice.
	KeyAlreadyExists
	// Closed is returned when the store is used after Close.
	Closed
)

// StoreErr describes a store failure on a given data type and key.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr ...
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error ...
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case SkippedIndex:
		m = "Skipped Index"
	case Empty:
		m = "Empty"
	case KeyAlreadyExists:
		m = "Key Already Exists"
	case Closed:
		m = "Closed"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that it's code matches
// the provided StoreErr code.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
