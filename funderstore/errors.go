package funderstore

import "fmt"

var (
	ErrFriendNotFound  = fmt.Errorf("funderstore: friend not found")
	ErrReceiptNotFound = fmt.Errorf("funderstore: receipt not found")
)
