package clickup

import (
	"context"
	"net/http"
	"sort"

	"clickup-tracker/domain"
)

type teamsPayload struct {
	Teams []struct {
		ID      string `json:"id"`
		Members []struct {
			User domain.User `json:"user"`
		} `json:"members"`
	} `json:"teams"`
}

// Users returns the members of every team the token can see, without
// guests, unique by id and ordered by username.
func (c *Client) Users(ctx context.Context) ([]domain.User, error) {
	var payload teamsPayload
	if err := c.do(ctx, http.MethodGet, "/team", nil, nil, &payload); err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{})
	users := []domain.User{}
	for _, team := range payload.Teams {
		for _, m := range team.Members {
			if m.User.Role == domain.RoleGuest {
				continue
			}
			if _, dup := seen[m.User.ID]; dup {
				continue
			}
			seen[m.User.ID] = struct{}{}
			users = append(users, m.User)
		}
	}
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}
