package ducobox

type BoardInfo struct {
	Serial          string
	Uptime          int
	SoftwareVersion string
	Mac             string
	Ip              string
}

type NodeInfo struct {
	Node     int
	Type     string
	Overrule int
	Serial   string
}

// Level decodes the overrule code of the node.
func (n *NodeInfo) Level() (Level, error) {
	return DecodeLevel(n.Overrule)
}

// Wire formats. Pointers make missing fields detectable.

type nodeListResponse struct {
	NodeList *[]int `json:"nodelist"`
}

type boardInfoResponse struct {
	Serial          *string `json:"serial"`
	Uptime          *int    `json:"uptime"`
	SoftwareVersion *string `json:"swversion"`
	Mac             *string `json:"mac"`
	Ip              *string `json:"ip"`
}

type nodeInfoResponse struct {
	Node     *int    `json:"node"`
	Type     *string `json:"devtype"`
	Overrule *int    `json:"ovrl"`
	Serial   *string `json:"serialnb"`
}
