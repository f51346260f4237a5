package ws

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// 服务端支持的协议版本区间
const ProtocolVersion = "^0.1.0"

// NegotiateVersion 取客户端提供的版本区间与服务端区间的交集：
// 任一客户端区间与服务端区间相交就选服务端自己的版本，否则拒绝连接。
func NegotiateVersion(clientVersions []string) (string, error) {
	if len(clientVersions) == 0 {
		clientVersions = []string{"^0.1.0"}
	}
	for _, cv := range clientVersions {
		if rangesIntersect(ProtocolVersion, cv) {
			return ProtocolVersion, nil
		}
	}
	return "", fmt.Errorf("Unsupported client protocol. Server: %s. Client: %s",
		ProtocolVersion, strings.Join(clientVersions, ","))
}

// 对 ^x.y.z / ~x.y.z 型区间：任一侧的下界版本落在对方区间内即相交
func rangesIntersect(a, b string) bool {
	ca, err := semver.NewConstraint(a)
	if err != nil {
		return false
	}
	cb, err := semver.NewConstraint(b)
	if err != nil {
		return false
	}
	va, okA := lowerBound(a)
	vb, okB := lowerBound(b)
	return (okB && ca.Check(vb)) || (okA && cb.Check(va))
}

func lowerBound(rng string) (*semver.Version, bool) {
	trimmed := strings.TrimLeft(strings.TrimSpace(rng), "^~=v>")
	v, err := semver.NewVersion(trimmed)
	if err != nil {
		return nil, false
	}
	return v, true
}
