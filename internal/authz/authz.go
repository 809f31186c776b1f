package authz

// Oracle answers the role and ownership predicates the ledger uses as
// preconditions. It is an external collaborator: the ledger only asks
// questions, it never writes access-control state.
type Oracle interface {
	IsCreatorOf(occasionID uint64, principal string) bool
	HasRole(principal, role string) bool
}

// CreatorLookup resolves an occasion's creator. The occasion store
// satisfies this.
type CreatorLookup interface {
	CreatorOf(occasionID uint64) (string, bool)
}

// StoreOracle backs the creator predicate with the occasion store's own
// creator records and grants roles from a static assignment map.
type StoreOracle struct {
	Creators CreatorLookup
	Roles    map[string][]string
}

func NewStoreOracle(creators CreatorLookup) *StoreOracle {
	return &StoreOracle{Creators: creators, Roles: make(map[string][]string)}
}

func (o *StoreOracle) GrantRole(principal, role string) {
	o.Roles[principal] = append(o.Roles[principal], role)
}

func (o *StoreOracle) IsCreatorOf(occasionID uint64, principal string) bool {
	creator, ok := o.Creators.CreatorOf(occasionID)
	return ok && creator == principal
}

func (o *StoreOracle) HasRole(principal, role string) bool {
	for _, r := range o.Roles[principal] {
		if r == role {
			return true
		}
	}
	return false
}
