package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	dataCmds
	targetCmds
)

// commandGroups is the order in which help lists the groups.
var commandGroups = []struct {
	group commandGroup
	title string
}{
	{dataCmds, "Reading and writing memory"},
	{targetCmds, "Running the core"},
	{otherCmds, "Other commands"},
}
