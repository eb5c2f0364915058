package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/filetransfer"
)

func transferBar(maxBytes int64, desc string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		maxBytes,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowTotalBytes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// progressRenderer draws one bar per transfer from FILE_PROGRESS events.
type progressRenderer struct {
	mut_bars sync.Mutex
	bars     map[string]*progressbar.ProgressBar
}

func newProgressRenderer() *progressRenderer {
	return &progressRenderer{bars: make(map[string]*progressbar.ProgressBar)}
}

func (p *progressRenderer) HandleEvent(e events.Event) {
	p.mut_bars.Lock()
	defer p.mut_bars.Unlock()

	switch data := e.Data.(type) {
	case filetransfer.Progress:
		bar, has := p.bars[data.TransferId]
		if !has {
			bar = transferBar(data.Total, fmt.Sprintf("%s %s", data.Direction, data.FileName))
			p.bars[data.TransferId] = bar
		}
		bar.Set64(data.BytesSoFar)
	case filetransfer.Completed:
		if bar, has := p.bars[data.TransferId]; has {
			bar.Finish()
			delete(p.bars, data.TransferId)
		}
	case filetransfer.Failed:
		if bar, has := p.bars[data.TransferId]; has {
			bar.Exit()
			delete(p.bars, data.TransferId)
		}
	}
}
