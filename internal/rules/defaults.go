package rules

import "github.com/coldeye/internal/models"

// Compiled-in thresholds used when no scope sets a field.
const (
	DefaultExpectedReadingIntervalSeconds    = 300
	DefaultOfflineWarningMissedCheckins      = 1
	DefaultOfflineCriticalMissedCheckins     = 5
	DefaultExcursionConfirmMinutesDoorClosed = 10
	DefaultExcursionConfirmMinutesDoorOpen   = 20
	DefaultMaxExcursionMinutes               = 60
	DefaultDoorOpenWarningMinutes            = 5
	DefaultDoorOpenCriticalMinutes           = 10
	DefaultDoorOpenMaxMaskMinutesPerDay      = 60
	DefaultManualIntervalMinutes             = 240
	DefaultManualGraceMinutes                = 0
	DefaultManualLogMissedCheckinsThreshold  = 5
)

// Compiled-in notification policy.
const (
	DefaultRequiresAck               = true
	DefaultAckDeadlineMinutes        = 15
	DefaultReminderIntervalMinutes   = 15
	DefaultSeverityThreshold         = models.SeverityWarning
	DefaultSendResolvedNotifications = true
	DefaultNotifySiteManagers        = true
	DefaultNotifyAssignedUsers       = true
)

func defaultInitialChannels() []models.Channel {
	return []models.Channel{models.ChannelInApp, models.ChannelEmail}
}

func defaultEscalationSteps() []models.EscalationStep {
	primary, secondary := 1, 2
	return []models.EscalationStep{
		{DelayMinutes: 0, Channels: []models.Channel{models.ChannelSMS}, ContactPriority: &primary},
		{DelayMinutes: 15, Channels: []models.Channel{models.ChannelSMS, models.ChannelEmail}, ContactPriority: &secondary, Repeat: true},
	}
}
