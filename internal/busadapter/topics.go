package busadapter

import "fmt"

// Topic strings, bit-exact against spec §4.6/§6.
const (
	topicModeSet            = "gesha/mode/set"
	topicTargetSet           = "gesha/temperature/target/set"
	topicControlMethodSet   = "gesha/control_method/set"
	topicBoilerLevelSet     = "gesha/boiler_level/set"
	topicTempHistoryCommand = "gesha/temperature/history/command"
	topicShotHistoryCommand = "gesha/shot/history/command"
	topicConfigSet          = "gesha/config/set"

	topicMode          = "gesha/mode"
	topicTarget        = "gesha/temperature/target"
	topicControlMethod = "gesha/control_method"
	topicBoilerLevel   = "gesha/boiler_level"
)

func tempHistoryResultTopic(id string) string { return fmt.Sprintf("gesha/temperature/history/%s", id) }
func shotHistoryResultTopic(id string) string { return fmt.Sprintf("gesha/shot/history/%s", id) }
func tempInstrumentTopic(instrument string) string {
	return fmt.Sprintf("gesha/temperature/%s", instrument)
}

func relayPowerStateTopic(relayBase string) string   { return relayBase + "/switch/power/state" }
func relayStatusTopic(relayBase string) string        { return relayBase + "/status" }
func relayPowerCommandTopic(relayBase string) string { return relayBase + "/switch/power/command" }
