package types

// Address is a type-safe wrapper for user addresses (public key hashes)
type Address string

// UserName is a type-safe wrapper for display names
type UserName string

// Topic is a type-safe wrapper for chat topic identifiers
type Topic string

// Reference is a type-safe wrapper for content-addressed storage references
type Reference string

// String converts Address to string
func (a Address) String() string {
	return string(a)
}

// String converts UserName to string
func (n UserName) String() string {
	return string(n)
}

// String converts Topic to string
func (t Topic) String() string {
	return string(t)
}

// String converts Reference to string
func (r Reference) String() string {
	return string(r)
}

// IsZero reports whether the reference is empty.
func (r Reference) IsZero() bool {
	return r == ""
}
