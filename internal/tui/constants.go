package tui

import "time"

const (
	// Speed samples kept per job for the activity graph
	SpeedHistoryLen = 120

	// Input Dimensions
	InputWidth = 50

	// Layout
	ListWidthRatio    = 0.55 // Torrent list takes 55% width
	HeaderHeight      = 3
	GraphHeightMin    = 8
	DetailHeightMin   = 12
	FooterHeight      = 1
	ProgressBarOffset = 14

	// Minimum delay between two automatic list refreshes
	MinRefreshInterval = time.Second
)
