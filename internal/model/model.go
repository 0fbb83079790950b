package model

// All returns every persisted model, in migration order.
func All() []any {
	return []any{
		&Product{},
		&Tariff{},
		&PlanMapping{},
		&Order{},
		&ReconcileQueueItem{},
		&PaymentMethod{},
		&Entitlement{},
		&ChargeAttempt{},
	}
}
