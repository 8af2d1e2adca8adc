// internal/models/region.go
package models

// RegionState 交互区域的场景加载状态
type RegionState string

const (
	RegionIdle         RegionState = "idle"
	RegionLoadingScene RegionState = "loading_scene"
	RegionSceneReady   RegionState = "scene_ready"
)

// ExpansionState 区域展开状态
type ExpansionState string

const (
	Collapsed ExpansionState = "collapsed"
	Expanded  ExpansionState = "expanded"
)

// SceneImage 事件场景图
type SceneImage struct {
	ImageURL string `json:"image_url"`
	Caption  string `json:"caption"`
}

// RegionSnapshot 交互区域的只读快照
type RegionSnapshot struct {
	SessionID      string         `json:"session_id,omitempty"`
	Generation     uint64         `json:"generation"`
	EventIndex     int            `json:"event_index"`
	State          RegionState    `json:"state"`
	ExpansionState ExpansionState `json:"expansion_state"`
	Hovered        bool           `json:"hovered"`
	Loading        bool           `json:"loading"`
	Scene          *SceneImage    `json:"scene,omitempty"`
}
