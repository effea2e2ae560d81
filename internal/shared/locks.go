package shared

import "fmt"

// ItemLockKey builds the redis key guarding writes to one item's ledger.
func ItemLockKey(itemID int64) string {
	return fmt.Sprintf("ledger:item:%d:lock", itemID)
}
