package scheduler

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/cbtr/internal/config"
	"github.com/VenkatGGG/cbtr/internal/platform"
)

func TestBuildQueuesExpandsFilesAndScripts(t *testing.T) {
	settings := config.Settings{
		Browsers: map[string]map[platform.Kind][]platform.Browser{
			"BrowserStack": {
				platform.KindJS:       {browser("chrome"), browser("firefox")},
				platform.KindSelenium: {browser("edge")},
			},
			"Empty": {},
		},
		Capabilities: map[string]map[platform.Kind]platform.Capabilities{
			"BrowserStack": {platform.KindJS: {"screenshots": true}},
		},
		TestFiles:   config.StringList{"tests/a.html", "tests/b.html"},
		TestScripts: config.StringList{"scripts/one.py", "scripts/two.py"},
		Parallel:    map[string]int{"BrowserStack": 4},
		Server:      config.Server{Host: "localhost", Port: 9000},
	}

	platforms := buildQueues(settings, log.New(io.Discard, "", 0))
	require.Len(t, platforms, 1, "platforms without browsers are dropped")

	p := platforms[0]
	require.Equal(t, "BrowserStack", p.name)
	require.Equal(t, 4, p.limit)
	require.Len(t, p.queues[platform.KindJS], 2)
	require.Equal(t, "http://localhost:9000/tests/a.html", p.queues[platform.KindJS][0].url)
	require.Equal(t, "http://localhost:9000/tests/b.html", p.queues[platform.KindJS][1].url)

	selenium := p.queues[platform.KindSelenium]
	require.Len(t, selenium, 4)
	require.Equal(t, "http://localhost:9000/tests/a.html", selenium[0].url)
	require.Equal(t, "scripts/one.py", selenium[0].scriptFile)
	require.Equal(t, "scripts/two.py", selenium[1].scriptFile)
	require.Equal(t, "http://localhost:9000/tests/b.html", selenium[2].url)

	require.True(t, p.capabilities[platform.KindJS].Screenshots())
	require.Nil(t, p.capabilities[platform.KindSelenium])
	require.Equal(t, 2*2+4*1, p.pendingBrowsers())
}

func TestBuildQueuesWithoutTestFilesIsEmpty(t *testing.T) {
	settings := config.Settings{
		Browsers: map[string]map[platform.Kind][]platform.Browser{
			"BrowserStack": {platform.KindJS: {browser("chrome")}},
		},
	}
	require.Empty(t, buildQueues(settings, log.New(io.Discard, "", 0)))
}

func TestPendingUnitCursorIsMonotonic(t *testing.T) {
	unit := &pendingUnit{browsers: []platform.Browser{browser("a"), browser("b"), browser("c")}}

	first := unit.take(2)
	require.Len(t, first, 2)
	require.Equal(t, 1, unit.remaining())

	second := unit.take(5)
	require.Len(t, second, 1)
	require.Equal(t, "c", second[0].Browser)
	require.Equal(t, 0, unit.remaining())
	require.Empty(t, unit.take(1))
}
