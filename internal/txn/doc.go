// Package txn implements goroutine-confined transactions over a store.
//
// A Transaction moves through three states:
//
//	Reading --PromoteToWrite--> Writing --Commit/Rollback--> Reading
//	   \______________________________Close_____________________> Closed
//
// While Reading it is pinned to one immutable snapshot; AdvanceRead moves
// the pin forward, never back. While Writing it holds the store's write
// lock and mutates a private Builder that no other transaction can see
// until CommitAndContinueAsRead installs it as the next version.
package txn
