// Package screen manages device mirroring windows (scrcpy) and the remote
// desktop (x11vnc behind noVNC) on the bastion.
package screen

const (
	windowGap      = 20
	verticalMargin = 50
	maxWindowWidth = 600
)

// Window is a scrcpy window placement on the bastion desktop.
type Window struct {
	X, Y          int
	Width, Height int
}

// Layout tiles total portrait windows in one centred row and returns the
// placement of window index.
func Layout(index, total, screenW, screenH int) Window {
	if total < 1 {
		total = 1
	}
	w := min(maxWindowWidth, (screenW-windowGap*(total+1))/total)
	h := w * 16 / 9
	if maxH := screenH * 7 / 10; h > maxH {
		h = maxH
		w = h * 9 / 16
	}

	rowWidth := total*w + (total-1)*windowGap
	startX := max(windowGap, (screenW-rowWidth)/2)
	startY := max(verticalMargin, (screenH-h)/2)

	x := startX + index*(w+windowGap)
	y := startY
	if x+w > screenW {
		x = max(0, screenW-w-windowGap)
	}
	if y+h > screenH {
		y = max(0, screenH-h-verticalMargin)
	}
	return Window{X: x, Y: y, Width: w, Height: h}
}
