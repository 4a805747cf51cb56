package material

import "strings"

// GramsPerItem is the nominal weight credited for every deposited item.
const GramsPerItem = 60

// DefaultPoints is awarded for labels missing from the points table.
const DefaultPoints = 1

var pointsTable = map[string]int{
	"plastico":       10,
	"plastic":        10,
	"plastic-pet":    12,
	"plastic-pe_hd":  10,
	"plastic-pp":     10,
	"plastic-ps":     8,
	"plastic-others": 6,
	"vidrio":         8,
	"glass":          8,
	"metal":          12,
	"aluminio":       12,
	"carton":         5,
	"cardboard":      5,
	"papel":          3,
	"paper":          3,
	"organico":       2,
	"biological":     2,
	"basura":         1,
	"trash":          1,
	"general":        1,
}

// Normalize lowercases and trims a material label.
func Normalize(material string) string {
	return strings.ToLower(strings.TrimSpace(material))
}

// Points returns the reward for one item of the given material.
func Points(material string) int {
	if p, ok := pointsTable[Normalize(material)]; ok {
		return p
	}
	return DefaultPoints
}

// Level is a reward tier derived from a user's lifetime points.
type Level string

const (
	LevelBronze   Level = "Bronce"
	LevelSilver   Level = "Plata"
	LevelGold     Level = "Oro"
	LevelPlatinum Level = "Platino"
	LevelDiamond  Level = "Diamante"
)

// LevelFor returns the tier reached with the given number of points.
func LevelFor(points int) Level {
	switch {
	case points >= 10000:
		return LevelDiamond
	case points >= 5000:
		return LevelPlatinum
	case points >= 2000:
		return LevelGold
	case points >= 500:
		return LevelSilver
	default:
		return LevelBronze
	}
}

// KgPerItem is GramsPerItem expressed in kilograms.
const KgPerItem = float64(GramsPerItem) / 1000
