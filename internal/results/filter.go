package results

import (
	"slices"
	"strings"

	"github.com/shinji-kodama/bookfetch/internal/model"
)

// Filter narrows a result list the way the results view does: by a
// case-insensitive substring of the filename, a minimum number of serving
// users and, optionally, only files served by a user that is online.
//
// The zero Filter keeps everything.
type Filter struct {
	Query      string
	MinUsers   int
	OnlineOnly bool
}

// Apply returns the results that match f. The input is not modified.
func (f Filter) Apply(in []model.SearchResult) []model.SearchResult {
	query := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]model.SearchResult, 0, len(in))
	for _, r := range in {
		if query != "" && !strings.Contains(strings.ToLower(r.Filename), query) {
			continue
		}
		if len(r.Users) < f.MinUsers {
			continue
		}
		if f.OnlineOnly && len(r.Online) == 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Users returns every distinct user in results, sorted.
func Users(results []model.SearchResult) []string {
	var users []string
	for _, r := range results {
		for _, u := range r.Users {
			if !slices.Contains(users, u) {
				users = append(users, u)
			}
		}
	}
	slices.Sort(users)
	return users
}

// MarkOnline fills the Online field of every result with the users that are
// in online. Results are updated in place.
func MarkOnline(results []model.SearchResult, online []string) {
	set := make(map[string]struct{}, len(online))
	for _, u := range online {
		set[strings.ToLower(u)] = struct{}{}
	}
	for i := range results {
		results[i].Online = results[i].Online[:0]
		for _, u := range results[i].Users {
			if _, ok := set[strings.ToLower(u)]; ok {
				results[i].Online = append(results[i].Online, u)
			}
		}
	}
}

// PreferredUser picks the user to request a result from: the first online
// user if any, otherwise the first user.
func PreferredUser(r model.SearchResult) string {
	if len(r.Online) > 0 {
		return r.Online[0]
	}
	if len(r.Users) > 0 {
		return r.Users[0]
	}
	return ""
}
