package search

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/applypilot/applypilot/internal/engine"
)

// Params are call-site overrides for BuildSearchURL. An explicit value beats
// the profile's structured preference, which beats the legacy single-value
// field, which beats the hard-coded default.
type Params struct {
	Role       string
	Location   string
	WorkMode   engine.WorkMode
	Experience string
	Page       int
}

const (
	defaultRole = "Software Engineer"
	// seedPriority is above the 0.9 continuation cap, so a session's seed
	// URLs always sort ahead of any continuation page.
	seedPriority = 1.0
)

// fallbackRoles pads discovery for profiles with fewer than three declared
// titles.
var fallbackRoles = []string{
	"Software Engineer",
	"Data Analyst",
	"Product Manager",
	"Project Manager",
	"Marketing Manager",
	"Sales Representative",
	"Customer Success Manager",
	"Operations Manager",
}

// BuildSearchURL constructs a board search URL. It is a pure function of its
// inputs: query parameters are encoded in sorted order, so equal inputs
// always yield byte-equal URLs. Role and location are folded into one
// free-text term because the board's API has no independent location filter.
func BuildSearchURL(baseURL string, profile engine.UserProfile, p Params) string {
	role := p.Role
	if role == "" && len(profile.RoleTitles) > 0 {
		role = profile.RoleTitles[0]
	}
	if role == "" {
		role = profile.LegacyRole
	}
	if role == "" {
		role = defaultRole
	}

	location := p.Location
	if location == "" && len(profile.Locations) > 0 {
		location = profile.Locations[0]
	}
	if location == "" {
		location = profile.LegacyLocation
	}

	mode := p.WorkMode
	if mode == "" && len(profile.WorkModes) > 0 {
		mode = profile.WorkModes[0]
	}
	if mode == "" {
		mode = profile.LegacyWorkMode
	}

	query := role
	if location != "" {
		query = role + " " + location
	}

	v := url.Values{}
	v.Set("q", query)
	if mode != "" {
		v.Set("work_mode", string(mode))
	}
	if p.Experience != "" {
		v.Set("experience", p.Experience)
	}
	if p.Page > 1 {
		v.Set("page", strconv.Itoa(p.Page))
	}

	return strings.TrimRight(baseURL, "/") + "/search?" + v.Encode()
}

// GenerateSearchURLs diversifies discovery: the user's top three declared
// role titles, padded from the fallback list while skipping near-duplicates
// of declared titles (any shared word, case-insensitive). With
// experience fan-out enabled, each declared experience level adds a filtered
// variant per role.
func GenerateSearchURLs(baseURL string, profile engine.UserProfile, fanOutExperience bool) []Candidate {
	roles := topRoles(profile, 3)

	var seeds []Candidate
	for _, role := range roles {
		u := BuildSearchURL(baseURL, profile, Params{Role: role})
		seeds = append(seeds, Candidate{
			URL:      u,
			Priority: seedPriority,
			Query:    role,
			Page:     1,
		})
		if !fanOutExperience {
			continue
		}
		for _, level := range profile.ExperienceLevels {
			lu := BuildSearchURL(baseURL, profile, Params{Role: role, Experience: level})
			seeds = append(seeds, Candidate{
				URL:      lu,
				Priority: seedPriority,
				Query:    role + " (" + level + ")",
				Page:     1,
			})
		}
	}
	return seeds
}

func topRoles(profile engine.UserProfile, want int) []string {
	var roles []string
	for _, title := range profile.RoleTitles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		roles = append(roles, title)
		if len(roles) == want {
			return roles
		}
	}
	if len(roles) == 0 && profile.LegacyRole != "" {
		roles = append(roles, profile.LegacyRole)
	}

	for _, fallback := range fallbackRoles {
		if len(roles) == want {
			break
		}
		if nearDuplicate(roles, fallback) {
			continue
		}
		roles = append(roles, fallback)
	}
	return roles
}

// nearDuplicate reports whether candidate shares a word with an existing
// role, case-insensitively. "Platform Engineer" suppresses the "Software
// Engineer" fallback.
func nearDuplicate(roles []string, candidate string) bool {
	existing := make(map[string]bool)
	for _, role := range roles {
		for _, word := range strings.Fields(strings.ToLower(role)) {
			existing[word] = true
		}
	}
	for _, word := range strings.Fields(strings.ToLower(candidate)) {
		if existing[word] {
			return true
		}
	}
	return false
}

// withPage rewrites the page parameter on a search URL, used to enqueue
// continuation pages.
func withPage(rawURL string, page int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	v := u.Query()
	if page > 1 {
		v.Set("page", strconv.Itoa(page))
	} else {
		v.Del("page")
	}
	u.RawQuery = v.Encode()
	return u.String()
}
