package autonomy

// defaultRules is the seed policy the matrix starts from. The operator
// documentation is regenerated from Matrix.Snapshot, so this table is the
// source of truth for default agent behavior.
func defaultRules() map[Category]map[string]RuleSet {
	return map[Category]map[string]RuleSet{
		CategoryContentCreation: {
			"generate_ebook": {
				Default: LevelAutonomous,
				Conditions: []Rule{
					{If: Predicate{{Field: "word_count", Operator: OpGreater, Value: 10000}}, Then: LevelNotify},
					{If: Predicate{{Field: "contains_sensitive_topics", Operator: OpIsTrue}}, Then: LevelApprovalRequired},
				},
			},
			"create_blog_post": {
				Default: LevelAutonomous,
				Conditions: []Rule{
					{If: Predicate{{Field: "contains_sensitive_topics", Operator: OpIsTrue}}, Then: LevelApprovalRequired},
				},
			},
			"create_social_media_post": {
				Default: LevelNotify,
				Conditions: []Rule{
					{If: Predicate{{Field: "platform", Operator: OpEqual, Value: "twitter"}}, Then: LevelApprovalRequired},
					{If: Predicate{{Field: "contains_sensitive_topics", Operator: OpIsTrue}}, Then: LevelApprovalRequired},
				},
			},
		},
		CategoryFinancial: {
			"spend_money": {
				Default: LevelApprovalRequired,
				Conditions: []Rule{
					{If: Predicate{{Field: "amount", Operator: OpLessEqual, Value: 5.0}}, Then: LevelNotify},
					{If: Predicate{{Field: "amount", Operator: OpGreater, Value: 50.0}}, Then: LevelProhibited},
				},
			},
			"allocate_budget": {
				Default: LevelApprovalRequired,
				Conditions: []Rule{
					{If: Predicate{
						{Field: "amount", Operator: OpLessEqual, Value: 10.0},
						{Field: "experiment_has_positive_roi", Operator: OpIsTrue},
					}, Then: LevelNotify},
				},
			},
		},
		CategoryPlatformInteraction: {
			"create_account": {
				Default: LevelApprovalRequired,
			},
			"post_content": {
				Default: LevelNotify,
				Conditions: []Rule{
					{If: Predicate{{Field: "platform", Operator: OpIn, Value: []any{"twitter", "facebook"}}}, Then: LevelApprovalRequired},
				},
			},
			"interact_with_users": {
				Default: LevelApprovalRequired,
				Conditions: []Rule{
					{If: Predicate{{Field: "interaction_type", Operator: OpEqual, Value: "like"}}, Then: LevelNotify},
				},
			},
		},
		CategoryExperimentManagement: {
			"create_experiment": {
				Default: LevelAutonomous,
				Conditions: []Rule{
					{If: Predicate{{Field: "estimated_cost", Operator: OpGreater, Value: 20.0}}, Then: LevelApprovalRequired},
				},
			},
			"start_experiment": {
				Default: LevelAutonomous,
				Conditions: []Rule{
					{If: Predicate{{Field: "estimated_cost", Operator: OpGreater, Value: 20.0}}, Then: LevelApprovalRequired},
				},
			},
			"stop_experiment": {
				Default: LevelAutonomous,
			},
			"modify_experiment": {
				Default: LevelNotify,
				Conditions: []Rule{
					{If: Predicate{{Field: "changes_estimated_cost_by", Operator: OpGreater, Value: 10.0}}, Then: LevelApprovalRequired},
				},
			},
		},
		CategoryResourceAllocation: {
			"allocate_resources": {
				Default: LevelAutonomous,
				Conditions: []Rule{
					{If: Predicate{{Field: "resource_type", Operator: OpEqual, Value: "financial"}}, Then: LevelApprovalRequired},
				},
			},
			"reallocate_resources": {
				Default: LevelNotify,
				Conditions: []Rule{
					{If: Predicate{{Field: "resource_type", Operator: OpEqual, Value: "financial"}}, Then: LevelApprovalRequired},
					{If: Predicate{{Field: "amount_change", Operator: OpGreater, Value: 20.0}}, Then: LevelApprovalRequired},
				},
			},
		},
		CategoryExternalCommunication: {
			"send_email": {
				Default: LevelApprovalRequired,
				Conditions: []Rule{
					{If: Predicate{{Field: "template", Operator: OpEqual, Value: "status_update"}}, Then: LevelNotify},
				},
			},
			"contact_freelancer": {
				Default: LevelApprovalRequired,
				Conditions: []Rule{
					{If: Predicate{
						{Field: "is_existing_relationship", Operator: OpIsTrue},
						{Field: "message_type", Operator: OpEqual, Value: "status_request"},
					}, Then: LevelNotify},
				},
			},
		},
	}
}
