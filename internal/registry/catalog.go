package registry

import (
	"github.com/stepflow-io/stepflow/internal/config"
	"github.com/stepflow-io/stepflow/internal/domain"
)

// Entity types the built-in workflows attach to.
const (
	EntityTender    = "TENDER"
	EntityCourier   = "COURIER"
	EntityEMD       = "EMD"
	EntityService   = "SERVICE"
	EntityOperation = "OPERATION"
)

// Workflow codes of the built-in catalog.
const (
	TenderingWF = "TENDERING_WF"
	CourierWF   = "COURIER_WF"
	EmdWF       = "EMD_WF"
	OperationWF = "OPERATION_WF"
)

// defaultThresholds reads the configured warning/critical percentages so
// deployments can tune the traffic lights without editing the catalog.
func defaultThresholds() domain.Thresholds {
	return domain.Thresholds{
		WarningThreshold:  float64(config.GetSystemSettingInteger(config.TIMER_WARNING_THRESHOLD)),
		CriticalThreshold: float64(config.GetSystemSettingInteger(config.TIMER_CRITICAL_THRESHOLD)),
	}
}

// TenderingWorkflow is the full tender lifecycle: info capture and approval
// up front, then parallel document/costing tracks counting down to the
// submission deadline.
func TenderingWorkflow() WorkflowDefinition {
	return WorkflowDefinition{
		Code:        TenderingWF,
		Name:        "Tendering Workflow",
		EntityType:  EntityTender,
		Description: "Complete workflow for tender management",
		Steps: []StepDefinition{
			{
				StepKey:      "tender_info",
				StepName:     "Tender Info",
				StepOrder:    1,
				AssignedRole: "TE",
				Timer:        domain.FixedDuration{DurationHours: 72, BusinessDaysOnly: true, Thresholds: defaultThresholds()},
				Metadata:     map[string]any{"formUrl": "/tendering/info-sheet", "helpText": "Complete all tender details"},
			},
			{
				StepKey:      "tender_approval",
				StepName:     "Tender Approval",
				StepOrder:    2,
				AssignedRole: "TL",
				Timer:        domain.FixedDuration{DurationHours: 24, BusinessDaysOnly: true, Thresholds: defaultThresholds()},
				DependsOn:    []string{"tender_info"},
			},
			{
				StepKey:      "rfq_sent",
				StepName:     "RFQ Sent",
				StepOrder:    3,
				AssignedRole: "TE",
				Timer:        domain.FixedDuration{DurationHours: 24, BusinessDaysOnly: true, Thresholds: defaultThresholds()},
				DependsOn:    []string{"tender_approval"},
			},
			{
				StepKey:          "rfq_dashboard",
				StepName:         "RFQ Dashboard",
				StepOrder:        4,
				AssignedRole:     "TE",
				Timer:            domain.NoTimer{},
				DependsOn:        []string{"rfq_sent"},
				CanRunInParallel: true,
				IsOptional:       true,
			},
			{
				StepKey:          "emd_requested",
				StepName:         "EMD Requested",
				StepOrder:        5,
				AssignedRole:     "TE",
				Timer:            domain.FixedDuration{DurationHours: 24, BusinessDaysOnly: true, Thresholds: defaultThresholds()},
				DependsOn:        []string{"tender_approval"},
				CanRunInParallel: true,
				IsOptional:       true,
				Conditional:      &Conditional{Field: "emdRequired", Operator: OpEquals, Value: true},
			},
			{
				StepKey:          "physical_docs",
				StepName:         "Physical Docs",
				StepOrder:        6,
				AssignedRole:     "TE",
				Timer:            domain.FixedDuration{DurationHours: 48, BusinessDaysOnly: true, Thresholds: defaultThresholds()},
				DependsOn:        []string{"tender_approval"},
				CanRunInParallel: true,
			},
			{
				StepKey:          "document_checklist",
				StepName:         "Document Checklist",
				StepOrder:        7,
				AssignedRole:     "TE",
				Timer:            domain.NegativeCountdown{HoursBeforeDeadline: -72, Thresholds: defaultThresholds()},
				DependsOn:        []string{"tender_approval"},
				CanRunInParallel: true,
				Metadata:         map[string]any{"helpText": "Must be completed 72 hours before tender deadline"},
			},
			{
				StepKey:          "costing_sheets",
				StepName:         "Costing Sheets",
				StepOrder:        8,
				AssignedRole:     "TE",
				Timer:            domain.NegativeCountdown{HoursBeforeDeadline: -72, Thresholds: defaultThresholds()},
				DependsOn:        []string{"tender_approval"},
				CanRunInParallel: true,
			},
			{
				StepKey:      "costing_approval",
				StepName:     "Costing Approval",
				StepOrder:    9,
				AssignedRole: "TL",
				Timer:        domain.NegativeCountdown{HoursBeforeDeadline: -48, Thresholds: defaultThresholds()},
				DependsOn:    []string{"costing_sheets"},
			},
			{
				StepKey:      "bid_submission",
				StepName:     "Bid Submission",
				StepOrder:    10,
				AssignedRole: "TE",
				Timer:        domain.NegativeCountdown{HoursBeforeDeadline: -24, Thresholds: defaultThresholds()},
				DependsOn:    []string{"costing_approval"},
				Metadata:     map[string]any{"helpText": "CRITICAL: Must submit 24 hours before deadline"},
			},
			{
				StepKey:          "tq_replied",
				StepName:         "TQ Replied",
				StepOrder:        11,
				AssignedRole:     "TE",
				Timer:            domain.DeadlineBased{Thresholds: defaultThresholds()},
				CanRunInParallel: true,
				IsOptional:       true,
			},
			{
				StepKey:          "ra_approved",
				StepName:         "RA Approved",
				StepOrder:        12,
				AssignedRole:     "TL",
				Timer:            domain.NoTimer{},
				CanRunInParallel: true,
				IsOptional:       true,
			},
			{
				StepKey:          "tender_result",
				StepName:         "Tender Result",
				StepOrder:        13,
				AssignedRole:     "TE",
				Timer:            domain.NoTimer{},
				CanRunInParallel: true,
				IsOptional:       true,
			},
		},
	}
}

// CourierWorkflow tracks a courier from creation to dispatch.
func CourierWorkflow() WorkflowDefinition {
	return WorkflowDefinition{
		Code:        CourierWF,
		Name:        "Courier Workflow",
		EntityType:  EntityCourier,
		Description: "Track courier from creation to delivery",
		Steps: []StepDefinition{
			{
				StepKey:      "courier_created",
				StepName:     "Courier Created",
				StepOrder:    1,
				AssignedRole: "TE",
				Timer:        domain.NoTimer{},
			},
			{
				StepKey:      "courier_dispatched",
				StepName:     "Courier Dispatched",
				StepOrder:    2,
				AssignedRole: "TE",
				Timer:        domain.FixedDuration{DurationHours: 2, BusinessDaysOnly: true, Thresholds: defaultThresholds()},
				DependsOn:    []string{"courier_created"},
			},
		},
	}
}

// EmdWorkflow fans out per payment mode; exactly one branch passes its
// conditional for a given EMD request.
func EmdWorkflow() WorkflowDefinition {
	emdStep := func(key, name string, order int, timer domain.TimerConfig, emdType string) StepDefinition {
		return StepDefinition{
			StepKey:      key,
			StepName:     name,
			StepOrder:    order,
			AssignedRole: "AC",
			Timer:        timer,
			IsOptional:   true,
			Conditional:  &Conditional{Field: "emdType", Operator: OpEquals, Value: emdType},
		}
	}
	return WorkflowDefinition{
		Code:        EmdWF,
		Name:        "EMD Processing Workflow",
		EntityType:  EntityEMD,
		Description: "EMD request to payment completion",
		Steps: []StepDefinition{
			emdStep("pop_acc_form", "Pay on Portal - Accounts Form", 1, domain.DeadlineBased{Thresholds: defaultThresholds()}, "POP"),
			emdStep("bt_acc_form", "Bank Transfer - Accounts Form", 2, domain.DeadlineBased{Thresholds: defaultThresholds()}, "BT"),
			emdStep("cheque_acc_form", "Cheque - Accounts Form", 3, domain.Dynamic{BusinessDaysOnly: true, Thresholds: defaultThresholds()}, "CHEQUE"),
			emdStep("dd_acc_form", "Demand Draft - Accounts Form", 4, domain.FixedDuration{DurationHours: 3, BusinessDaysOnly: true, Thresholds: defaultThresholds()}, "DD"),
			emdStep("fdr_acc_form", "FDR - Accounts Form", 5, domain.FixedDuration{DurationHours: 3, BusinessDaysOnly: true, Thresholds: defaultThresholds()}, "FDR"),
			emdStep("bg_acc_form", "Bank Guarantee - Accounts Form", 6, domain.DeadlineBased{Thresholds: defaultThresholds()}, "BG"),
		},
	}
}

// OperationWorkflow is an untimed checklist for work orders.
func OperationWorkflow() WorkflowDefinition {
	return WorkflowDefinition{
		Code:        OperationWF,
		Name:        "Operation Workflow",
		EntityType:  EntityOperation,
		Description: "Operation workflow for operation management",
		Steps: []StepDefinition{
			{StepKey: "wo_details", StepName: "WO Details", StepOrder: 1, AssignedRole: "TE", Timer: domain.NoTimer{}},
			{StepKey: "wo_acceptance", StepName: "WO Acceptance", StepOrder: 2, AssignedRole: "TE", Timer: domain.NoTimer{}, DependsOn: []string{"wo_details"}},
			{StepKey: "kickoff_meeting", StepName: "Kickoff Meeting", StepOrder: 3, AssignedRole: "TE", Timer: domain.NoTimer{}, DependsOn: []string{"wo_acceptance"}},
		},
	}
}

// Default builds the registry with the full built-in catalog.
func Default() *Registry {
	return MustNew(
		TenderingWorkflow(),
		CourierWorkflow(),
		EmdWorkflow(),
		OperationWorkflow(),
	)
}
