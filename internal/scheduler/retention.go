package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"

	"gemchat/internal/store"
)

// PruneConversations enforces a per-user cap on stored conversations,
// deleting the least recently updated ones beyond the cap. A cap of zero or
// less disables pruning.
func PruneConversations(ctx context.Context, st store.Store, maxPerUser int) error {
	if maxPerUser <= 0 {
		return nil
	}
	all, err := st.List(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	byUser := make(map[string][]store.Conversation)
	for _, c := range all {
		byUser[c.UserID] = append(byUser[c.UserID], c)
	}

	pruned := 0
	for userID, convs := range byUser {
		if len(convs) <= maxPerUser {
			continue
		}
		sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt > convs[j].UpdatedAt })
		for _, c := range convs[maxPerUser:] {
			if err := st.Delete(ctx, c.ID); err != nil {
				log.Printf("prune: failed to delete conversation %s of user %s: %v", c.ID, userID, err)
				continue
			}
			pruned++
		}
	}
	if pruned > 0 {
		log.Printf("prune: removed %d conversations over the per-user cap of %d", pruned, maxPerUser)
	}
	return nil
}
