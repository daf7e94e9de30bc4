package scheduler

import (
	"log"

	"github.com/VenkatGGG/cbtr/internal/config"
	"github.com/VenkatGGG/cbtr/internal/platform"
)

// pendingUnit is one test file (and script, for Selenium) waiting to be run
// on every browser of its platform and kind. cursor only moves forward.
type pendingUnit struct {
	url        string
	scriptFile string
	browsers   []platform.Browser
	cursor     int
}

func (u *pendingUnit) remaining() int {
	return len(u.browsers) - u.cursor
}

// take returns the next n browsers and advances the cursor.
func (u *pendingUnit) take(n int) []platform.Browser {
	if n > u.remaining() {
		n = u.remaining()
	}
	out := u.browsers[u.cursor : u.cursor+n]
	u.cursor += n
	return out
}

type platformState struct {
	name         string
	limit        int
	client       platform.Client
	capabilities map[platform.Kind]platform.Capabilities
	queues       map[platform.Kind][]*pendingUnit
	running      []*runningTest
	reserved     int
}

func (p *platformState) free() int {
	free := p.limit - len(p.running) - p.reserved
	if free < 0 {
		return 0
	}
	return free
}

func (p *platformState) pendingBrowsers() int {
	total := 0
	for _, units := range p.queues {
		for _, unit := range units {
			total += unit.remaining()
		}
	}
	return total
}

func (p *platformState) kinds() []platform.Kind {
	out := make([]platform.Kind, 0, len(platform.Kinds))
	for _, kind := range platform.Kinds {
		if len(p.queues[kind]) > 0 {
			out = append(out, kind)
		}
	}
	return out
}

// buildQueues expands the settings into per-platform FIFO queues. Platforms
// with nothing to run are dropped with a warning.
func buildQueues(settings config.Settings, logger *log.Logger) []*platformState {
	platforms := make([]*platformState, 0, len(settings.Browsers))
	for _, name := range settings.PlatformNames() {
		state := &platformState{
			name:         name,
			limit:        settings.ParallelLimit(name),
			capabilities: make(map[platform.Kind]platform.Capabilities),
			queues:       make(map[platform.Kind][]*pendingUnit),
		}

		if browsers := settings.BrowsersFor(name, platform.KindJS); len(browsers) > 0 {
			for _, file := range settings.TestFiles {
				state.queues[platform.KindJS] = append(state.queues[platform.KindJS], &pendingUnit{
					url:      settings.TestURL(file),
					browsers: browsers,
				})
			}
		}
		if browsers := settings.BrowsersFor(name, platform.KindSelenium); len(browsers) > 0 {
			for _, file := range settings.TestFiles {
				for _, script := range settings.TestScripts {
					state.queues[platform.KindSelenium] = append(state.queues[platform.KindSelenium], &pendingUnit{
						url:        settings.TestURL(file),
						scriptFile: script,
						browsers:   browsers,
					})
				}
			}
		}

		if len(state.queues) == 0 {
			logger.Printf("scheduler dropping platform without usable browsers or tests: platform=%s", name)
			continue
		}
		for kind := range state.queues {
			state.capabilities[kind] = settings.CapabilitiesFor(name, kind)
		}
		platforms = append(platforms, state)
	}
	return platforms
}
