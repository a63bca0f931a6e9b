package deepzoom

import "fmt"

// DZI renders the Deep Zoom descriptor XML the viewer fetches before
// requesting tiles. It advertises the same tile size and overlap used
// by TileBounds, so client-side tile coordinate math matches server
// tile boundaries exactly.
func (p Pyramid) DZI(format string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Image xmlns="http://schemas.microsoft.com/deepzoom/2008" TileSize="%d" Overlap="%d" Format="%s">
  <Size Width="%d" Height="%d"/>
</Image>`, p.TileSize, p.Overlap, format, p.Width, p.Height)
}
