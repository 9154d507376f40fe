package ledger

import "fmt"

var allowedTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:          {MilestoneInProgress, MilestoneFrozen},
	MilestoneInProgress:       {MilestoneAwaitingApproval, MilestoneFrozen},
	MilestoneAwaitingApproval: {MilestoneApproved, MilestoneRejected, MilestoneFrozen},
	MilestoneApproved:         {MilestoneReleased, MilestoneFrozen},
	MilestoneFrozen:           {MilestonePending, MilestoneInProgress, MilestoneAwaitingApproval, MilestoneRefunded},
}

// ValidateTransition ensures the transition follows the milestone state
// machine. Staying in the same status is always allowed.
func ValidateTransition(current, next MilestoneStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidTransition, current)
	}
	for _, status := range allowed {
		if status == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s is not permitted", ErrInvalidTransition, current, next)
}

var donationTransitions = map[DonationStatus][]DonationStatus{
	DonationPending:   {DonationConfirmed},
	DonationConfirmed: {DonationReleased, DonationRefunded},
}

// ValidateDonationTransition ensures a donation only moves forward.
func ValidateDonationTransition(current, next DonationStatus) error {
	if current == next {
		return nil
	}
	for _, status := range donationTransitions[current] {
		if status == next {
			return nil
		}
	}
	return fmt.Errorf("%w: donation %s to %s is not permitted", ErrInvalidTransition, current, next)
}
