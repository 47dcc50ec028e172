package collab

import "github.com/cespare/xxhash/v2"

// ColorHue 由 peerId 确定的色相（0-359），各客户端不需要协调就能算出同一个颜色
func ColorHue(peerID string) int {
	return int(xxhash.Sum64String(peerID) % 360)
}
