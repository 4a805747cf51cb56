// Package material holds the fixed routing and reward tables for the bin:
// which compartment a detected class goes to, how many points it is worth,
// and the reward tier a running total of points puts a user in.
package material

import (
	"fmt"
	"strings"
)

// Category is one of the four physical compartments of the bin.
type Category int

const (
	Plastic Category = iota
	PaperCardboard
	MetalAluminum
	General
)

// Categories lists every compartment in routing order.
var Categories = []Category{Plastic, PaperCardboard, MetalAluminum, General}

type categoryInfo struct {
	key      string
	name     string
	rotation int
	tilt     int
}

// Servo targets are absolute angles understood by the actuator firmware.
// Glass shares the metal compartment.
var categoryTable = [...]categoryInfo{
	Plastic:        {key: "plastic", name: "Plástico", rotation: -30, tilt: -45},
	PaperCardboard: {key: "paper_cardboard", name: "Papel y Cartón", rotation: -30, tilt: 45},
	MetalAluminum:  {key: "metal_aluminum", name: "Metal y Aluminio", rotation: 59, tilt: -45},
	General:        {key: "general", name: "General", rotation: 59, tilt: 45},
}

func (c Category) info() categoryInfo {
	if c < 0 || int(c) >= len(categoryTable) {
		return categoryTable[General]
	}
	return categoryTable[c]
}

// Rotation returns the base servo angle for the compartment.
func (c Category) Rotation() int { return c.info().rotation }

// Tilt returns the tray tilt angle for the compartment.
func (c Category) Tilt() int { return c.info().tilt }

// DisplayName is the label shown to users.
func (c Category) DisplayName() string { return c.info().name }

// String returns the stable machine key of the category.
func (c Category) String() string { return c.info().key }

// ParseCategory is the inverse of String.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if c.String() == strings.ToLower(strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return General, fmt.Errorf("unknown category %q", s)
}

// FromClass maps a detector class label to the compartment it is routed to.
// Matching is by substring so model variants such as "plastic-pet" resolve
// without listing every label.
func FromClass(className string) Category {
	name := strings.ToLower(className)
	switch {
	case strings.Contains(name, "plastic"):
		return Plastic
	case containsAny(name, "paper", "cardboard", "papel", "carton"):
		return PaperCardboard
	case containsAny(name, "metal", "glass", "aluminio", "vidrio"):
		return MetalAluminum
	default:
		return General
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
