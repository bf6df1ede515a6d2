package scdb

import "fmt"

// KeyValuePair is one (key, value) result returned by Search, in
// list-traversal order.
type KeyValuePair struct {
	K []byte
	V []byte
}

// String renders the pair as "key: value", used by the package's own
// Example tests as executable documentation.
func (p KeyValuePair) String() string {
	return fmt.Sprintf("%s: %s", p.K, p.V)
}
