package telegram

// Production server message type ids.
const (
	TypeAccept         uint32 = 0
	TypeWorkplaceSetup uint32 = 1
	TypeWorkplaceInfo  uint32 = 2
	TypeErrorText      uint32 = 38
	TypeTimeRequest    uint32 = 252
	TypeVersionInfo    uint32 = 253
	TypeInfo           uint32 = 254
	TypeError          uint32 = 255

	TypeGetOrderNote          uint32 = 10006
	TypeSetOrderNote          uint32 = 10007
	TypeBDEPersonnel          uint32 = 10008
	TypeDisconnect            uint32 = 10010
	TypeOperationalData       uint32 = 10011
	TypeUserEvent             uint32 = 10012
	TypeAssistantTask         uint32 = 10015
	TypeAssistantTaskQuery    uint32 = 10030
	TypePersonnel             uint32 = 10036
	TypeUserEventsQuery       uint32 = 10037
	TypeCreateChangePersonnel uint32 = 10038
	TypeReadRepetitionData    uint32 = 10049
	TypeSaveRepetitionData    uint32 = 10050
	TypeJobList               uint32 = 10060
	TypeJobPlan               uint32 = 10061
	TypeCreateJob             uint32 = 10063
	TypeMachinePlanList       uint32 = 10068
	TypeJobInfo               uint32 = 10075
	TypePreview               uint32 = 10093
	TypeMachineShifts         uint32 = 10111
	TypeDeleteJob             uint32 = 10165
	TypeMachineConfig         uint32 = 10200
	TypeMachineErrorTexts     uint32 = 10201
	TypeActiveAssistantTasks  uint32 = 10404

	TypeOrderHeadDataExchange uint32 = 11010
	TypeProdHeadDataExchange  uint32 = 11020
	TypeJobHeadDataExchange   uint32 = 11030
)
