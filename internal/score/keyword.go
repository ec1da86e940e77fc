// Package score ranks posting fit against a user profile on a 0-100 scale.
// The default implementation is a deterministic keyword heuristic; callers
// only see the engine.Scorer interface, so richer scorers can drop in behind
// it.
package score

import (
	"context"
	"fmt"
	"strings"

	"github.com/applypilot/applypilot/internal/engine"
)

const (
	baseScore       = 40
	titleMatchBonus = 35
	tokenOverlapMax = 25
	locationBonus   = 10
	workModeBonus   = 5
	descriptionMax  = 10
	descriptionHit  = 2
	experienceBonus = 5
)

// Keyword scores postings by lexical overlap with the profile's declared
// titles, locations and work modes.
type Keyword struct{}

// NewKeyword constructs the heuristic scorer.
func NewKeyword() *Keyword {
	return &Keyword{}
}

// Score implements engine.Scorer. It is a pure function of its inputs.
func (k *Keyword) Score(_ context.Context, profile engine.UserProfile, posting engine.JobPosting) (int, []string, error) {
	score := baseScore
	var reasons []string

	title := strings.ToLower(posting.Title)
	description := strings.ToLower(posting.Description)
	location := strings.ToLower(posting.Location)

	if role, ok := bestTitleMatch(profile.RoleTitles, title); ok {
		score += titleMatchBonus
		reasons = append(reasons, fmt.Sprintf("title matches %q", role))
	} else if overlap, role := bestTokenOverlap(profile.RoleTitles, title); overlap > 0 {
		score += int(overlap * tokenOverlapMax)
		reasons = append(reasons, fmt.Sprintf("title overlaps %q", role))
	}

	for _, loc := range profile.Locations {
		if loc != "" && strings.Contains(location, strings.ToLower(loc)) {
			score += locationBonus
			reasons = append(reasons, fmt.Sprintf("location matches %q", loc))
			break
		}
	}

	if wantsRemote(profile) && (strings.Contains(location, "remote") || strings.Contains(description, "remote")) {
		score += workModeBonus
		reasons = append(reasons, "remote role for a remote-first profile")
	}

	if hits := descriptionHits(profile.RoleTitles, description); hits > 0 {
		bonus := hits * descriptionHit
		if bonus > descriptionMax {
			bonus = descriptionMax
		}
		score += bonus
		reasons = append(reasons, "role keywords in description")
	}

	for _, level := range profile.ExperienceLevels {
		if level != "" && strings.Contains(description, strings.ToLower(level)) {
			score += experienceBonus
			reasons = append(reasons, fmt.Sprintf("mentions %s experience", level))
			break
		}
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score, reasons, nil
}

func bestTitleMatch(roles []string, title string) (string, bool) {
	for _, role := range roles {
		if role == "" {
			continue
		}
		if strings.Contains(title, strings.ToLower(role)) {
			return role, true
		}
	}
	return "", false
}

// bestTokenOverlap returns the highest fraction of a role's words found in
// the title, with the role that produced it.
func bestTokenOverlap(roles []string, title string) (float64, string) {
	titleWords := wordSet(title)
	best := 0.0
	bestRole := ""
	for _, role := range roles {
		words := strings.Fields(strings.ToLower(role))
		if len(words) == 0 {
			continue
		}
		matched := 0
		for _, w := range words {
			if titleWords[w] {
				matched++
			}
		}
		frac := float64(matched) / float64(len(words))
		if frac > best {
			best = frac
			bestRole = role
		}
	}
	return best, bestRole
}

func descriptionHits(roles []string, description string) int {
	descWords := wordSet(description)
	hits := 0
	for _, role := range roles {
		for _, w := range strings.Fields(strings.ToLower(role)) {
			if descWords[w] {
				hits++
			}
		}
	}
	return hits
}

func wantsRemote(profile engine.UserProfile) bool {
	for _, mode := range profile.WorkModes {
		if mode == engine.WorkModeRemote {
			return true
		}
	}
	return profile.LegacyWorkMode == engine.WorkModeRemote
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		out[strings.Trim(w, ".,;:()[]")] = true
	}
	return out
}
