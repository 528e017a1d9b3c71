package resign

// Stage is a state of the resign state machine. Stages are only ever entered
// in the order listed below.
type Stage string

const (
	StageInit             Stage = "Init"
	StageWorkspaceReady   Stage = "WorkspaceReady"
	StageExtracted        Stage = "Extracted"
	StageBundleLocated    Stage = "BundleLocated"
	StageProfileInstalled Stage = "ProfileInstalled"
	StageManifestPatched  Stage = "ManifestPatched"
	StageSigned           Stage = "Signed"
	StageRepackaged       Stage = "Repackaged"
	StageCleanedUp        Stage = "CleanedUp"
	StageDone             Stage = "Done"
)

// Stages lists every stage in forward order.
var Stages = []Stage{
	StageInit,
	StageWorkspaceReady,
	StageExtracted,
	StageBundleLocated,
	StageProfileInstalled,
	StageManifestPatched,
	StageSigned,
	StageRepackaged,
	StageCleanedUp,
	StageDone,
}

var stageLabels = map[Stage]string{
	StageInit:             "Starting signing process",
	StageWorkspaceReady:   "Workspace ready",
	StageExtracted:        "IPA extracted",
	StageBundleLocated:    "App bundle located",
	StageProfileInstalled: "Provisioning profile installed",
	StageManifestPatched:  "App configuration updated",
	StageSigned:           "App signed",
	StageRepackaged:       "Signed IPA created",
	StageCleanedUp:        "Workspace cleaned up",
	StageDone:             "Done",
}

// Label is the human-readable progress text for s.
func (s Stage) Label() string {
	if l, ok := stageLabels[s]; ok {
		return l
	}
	return string(s)
}

// Index is the position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}
