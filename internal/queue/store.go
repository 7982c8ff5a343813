// Package queue holds the shared waiting queue for automation process types:
// the Store backends and the Service the HTTP handlers call.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/example/saleshub/api-go/internal/model"
)

// Store persists queue entries. Join must be an atomic conditional insert
// keyed by UserID: when an entry for the user already exists it is returned
// unchanged with created=false.
type Store interface {
	List(ctx context.Context) ([]model.QueueEntry, error)
	Join(ctx context.Context, entry model.QueueEntry) (stored model.QueueEntry, created bool, err error)
	Leave(ctx context.Context, userID string) error
	Prune(ctx context.Context, joinedBefore time.Time) (int, error)
	Close() error
}

// sortEntries orders by JoinedAt, then by insertion sequence.
func sortEntries(entries []model.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.Seq < b.Seq
	})
}

// PositionOf returns the zero-based rank of userID in an ordered queue, or -1.
func PositionOf(entries []model.QueueEntry, userID string) int {
	for i, e := range entries {
		if e.UserID == userID {
			return i
		}
	}
	return -1
}
