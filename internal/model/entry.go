package model

type Entry struct {
	Key   string
	Value []byte

	Flags uint32

	// Expiration is in seconds. 0 means the entry never expires.
	Expiration int32
}
