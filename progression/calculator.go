package progression

import "math"

// xpBreakpoints maps refined dataset size to base training XP. Values beyond
// the last breakpoint saturate rather than extrapolate.
var xpBreakpoints = [][2]int{
	{0, 0},
	{10, 20},
	{100, 200},
	{500, 750},
	{4800, 1400},
	{20000, 2600},
}

const maxLevel = 35

// Rank describes one of the seven progression tiers.
type Rank struct {
	Name     string
	Title    string
	MinLevel int
	MaxLevel int
}

var ranks = []Rank{
	{Name: "Novice", Title: "Apprentice", MinLevel: 1, MaxLevel: 5},
	{Name: "Skilled", Title: "Journeyman", MinLevel: 6, MaxLevel: 10},
	{Name: "Specialist", Title: "Craftsman", MinLevel: 11, MaxLevel: 15},
	{Name: "Expert", Title: "Strategist", MinLevel: 16, MaxLevel: 20},
	{Name: "Master", Title: "Architect", MinLevel: 21, MaxLevel: 25},
	{Name: "Grandmaster", Title: "Sentinel", MinLevel: 26, MaxLevel: 30},
	{Name: "Autonomous", Title: "Sovereign", MinLevel: 31, MaxLevel: 35},
}

// skillsetUnlocks lists the capabilities granted when a minion first reaches
// each rank (1-based rank index).
var skillsetUnlocks = map[int][]string{
	1: {"Web Search"},
	2: {"File Operations", "Code Execution"},
	3: {"API Integration", "Database Query"},
	4: {"Image Processing", "Email Operations"},
	5: {"Calendar Management", "Advanced Analytics"},
	6: {"Multi-Agent Orchestration", "Self-Improvement"},
	7: {"Autonomous Decision Making"},
}

// DatasetLinesToXP converts a refined dataset size to base XP using
// piecewise-linear interpolation over the breakpoint table.
func DatasetLinesToXP(lines int) int {
	if lines <= 0 {
		return 0
	}
	last := xpBreakpoints[len(xpBreakpoints)-1]
	if lines >= last[0] {
		return last[1]
	}
	for i := 0; i < len(xpBreakpoints)-1; i++ {
		x0, y0 := xpBreakpoints[i][0], xpBreakpoints[i][1]
		x1, y1 := xpBreakpoints[i+1][0], xpBreakpoints[i+1][1]
		if lines >= x0 && lines < x1 {
			t := float64(lines-x0) / float64(x1-x0)
			return int(math.Round(float64(y0) + t*float64(y1-y0)))
		}
	}
	return 0
}

// XPForLevel returns the XP required to advance from the given level to the
// next one. Each level costs 1.5x the previous.
func XPForLevel(level int) int {
	if level <= 0 {
		return 100
	}
	return int(100 * math.Pow(1.5, float64(level-1)))
}

// TotalXPForLevel returns the cumulative XP required to reach the given level
// from level 1.
func TotalXPForLevel(level int) int {
	if level <= 1 {
		return 0
	}
	total := 0
	for lvl := 1; lvl < level; lvl++ {
		total += XPForLevel(lvl)
	}
	return total
}

// LevelFromXP derives the current level from total XP, capped at 35.
func LevelFromXP(totalXP int) int {
	if totalXP <= 0 {
		return 1
	}
	level := 1
	consumed := 0
	for level <= maxLevel {
		need := XPForLevel(level)
		if consumed+need > totalXP {
			break
		}
		consumed += need
		level++
	}
	if level > maxLevel {
		return maxLevel
	}
	return level
}

// RankFromLevel maps a level to its rank band. Levels beyond 35 clamp to the
// final band.
func RankFromLevel(level int) Rank {
	for _, r := range ranks {
		if level >= r.MinLevel && level <= r.MaxLevel {
			return r
		}
	}
	return ranks[len(ranks)-1]
}

// RankIndex returns the 1-based position of the rank holding the given level.
func RankIndex(level int) int {
	for i, r := range ranks {
		if level >= r.MinLevel && level <= r.MaxLevel {
			return i + 1
		}
	}
	return len(ranks)
}

// ProgressInfo summarizes a minion's position on the XP curve.
type ProgressInfo struct {
	CurrentLevel       int     `json:"current_level"`
	RankName           string  `json:"rank_name"`
	RankLevel          int     `json:"rank_level"`
	TotalXP            int     `json:"total_xp"`
	XPInCurrentLevel   int     `json:"xp_in_current_level"`
	XPNeededForNext    int     `json:"xp_needed_for_next"`
	ProgressPercentage float64 `json:"progress_percentage"`
	XPToNextLevel      int     `json:"xp_to_next_level"`
}

// Progress computes the full progression summary for a total XP amount.
func Progress(totalXP int) ProgressInfo {
	level := LevelFromXP(totalXP)
	rank := RankFromLevel(level)

	currentFloor := TotalXPForLevel(level)
	nextFloor := TotalXPForLevel(level + 1)

	inLevel := totalXP - currentFloor
	needed := nextFloor - currentFloor

	pct := 100.0
	if needed > 0 {
		pct = math.Round(float64(inLevel)/float64(needed)*1000) / 10
	}

	return ProgressInfo{
		CurrentLevel:       level,
		RankName:           rank.Name,
		RankLevel:          level - rank.MinLevel + 1,
		TotalXP:            totalXP,
		XPInCurrentLevel:   inLevel,
		XPNeededForNext:    needed,
		ProgressPercentage: pct,
		XPToNextLevel:      needed - inLevel,
	}
}

// TrainingXP computes the XP awarded for a completed training run.
func TrainingXP(refinedCount int, qualityScore, validationScore, accuracyImprovement float64) int {
	baseXP := DatasetLinesToXP(refinedCount)
	qualityBonus := int(float64(baseXP) * (qualityScore / 100) * 0.2)

	validationBonus := 0
	switch {
	case validationScore == 100:
		validationBonus = 200
	case validationScore >= 90:
		validationBonus = 150
	case validationScore >= 80:
		validationBonus = 100
	case validationScore >= 70:
		validationBonus = 50
	}

	taskBonus := int(math.Max(0, accuracyImprovement) * 0.5)

	return baseXP + qualityBonus + validationBonus + taskBonus
}

// UsageXPDailyCap bounds XP earned from chat interactions per day.
const UsageXPDailyCap = 500

// UsageXP computes XP earned from API usage, 5 XP per call scaled by the
// success rate and capped at the daily limit.
func UsageXP(apiCalls int, successRate float64) int {
	if apiCalls <= 0 {
		return 0
	}
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	total := int(float64(apiCalls*5) * successRate)
	if total > UsageXPDailyCap {
		return UsageXPDailyCap
	}
	return total
}

// LevelUpInfo reports the effect of an XP award.
type LevelUpInfo struct {
	LeveledUp         bool     `json:"leveled_up"`
	OldLevel          int      `json:"old_level"`
	NewLevel          int      `json:"new_level"`
	OldRank           int      `json:"old_rank"`
	NewRank           int      `json:"new_rank"`
	RankedUp          bool     `json:"ranked_up"`
	UnlockedSkillsets []string `json:"unlocked_skillsets"`
}

// CheckLevelUp compares progression before and after an XP award and lists
// any skillsets unlocked by a rank-up.
func CheckLevelUp(oldXP, newXP int) LevelUpInfo {
	oldLevel := LevelFromXP(oldXP)
	newLevel := LevelFromXP(newXP)
	oldRank := RankIndex(oldLevel)
	newRank := RankIndex(newLevel)

	var unlocked []string
	for r := oldRank + 1; r <= newRank; r++ {
		unlocked = append(unlocked, skillsetUnlocks[r]...)
	}

	return LevelUpInfo{
		LeveledUp:         newLevel > oldLevel,
		OldLevel:          oldLevel,
		NewLevel:          newLevel,
		OldRank:           oldRank,
		NewRank:           newRank,
		RankedUp:          newRank > oldRank,
		UnlockedSkillsets: unlocked,
	}
}
