// Package rules carries the built-in rule-set defaults used to seed the
// rule tables on first startup and as fixtures in tests. At run time the
// active snapshot is always loaded from storage, so operators can tune
// categories without a redeploy.
package rules

import "github.com/MK-CO/KYXCustomer/internal/domain"

// DefaultSuspicionThreshold flags a conversation once any enabled category
// produces a weighted score above this value.
const DefaultSuspicionThreshold = 0.3

// Default returns the built-in rule-set snapshot.
func Default() domain.RuleSet {
	return domain.RuleSet{
		Categories:         defaultCategories(),
		Denoise:            DefaultDenoise(),
		ScoreMode:          domain.ScoreModeMax,
		SuspicionThreshold: DefaultSuspicionThreshold,
	}
}

func defaultCategories() []domain.Category {
	return []domain.Category{
		{
			Key:       "紧急催促",
			Weight:    0.9,
			RiskLevel: domain.RiskHigh,
			Enabled:   true,
			Keywords: []string{
				"撕", "催", "紧急", "加急联系", "速度", "又来了", "怎么样了", "有进展了吗",
			},
			Patterns: []string{
				`(催|撕).{0,5}(催|撕)`,
				`(又|一直).*(催|撕|来了)`,
				`(怎么样|进展).{0,10}(了|啊|呢|吗)`,
				`(紧急|加急).*(联系|处理|解决)`,
				`(速度|快点).*(处理|解决|搞定)`,
				`(有|没有).*(进展|结果|消息).*(了|吗|呢)`,
			},
		},
		{
			Key:       "投诉纠纷",
			Weight:    1.2,
			RiskLevel: domain.RiskHigh,
			Enabled:   true,
			Keywords: []string{
				"纠纷单", "投诉", "退款了", "12315", "客诉", "翘单",
			},
			Patterns: []string{
				`(纠纷|投诉).*(单|了|啊|呢)`,
				`(退款|退钱).*(了|啊|呢)`,
				`(客诉|投诉).*12315`,
				`(翘单|逃单).{0,10}(了|呢)`,
				`(结果|进展).*(不知道|不清楚|没消息|怎么样)`,
				`12315.*(投诉|举报|客诉)`,
			},
		},
		{
			Key:       "推卸责任",
			Weight:    1.0,
			RiskLevel: domain.RiskHigh,
			Enabled:   true,
			Keywords: []string{
				"不是我们的问题", "不是我们负责", "不关我们事", "找其他部门", "联系供应商",
				"厂家问题", "配件问题", "找师傅", "师傅负责", "找安装师傅", "不是门店责任",
				"这是厂家的", "原厂保修", "找4S店", "不归我们管", "总部决定",
				"没办法", "无能为力", "爱莫能助", "无可奈何", "我们也很无奈",
			},
			Patterns: []string{
				`(不是|不属于).*(我们|门店|本店).*(问题|责任|负责)`,
				`(这是|属于).*(厂家|师傅|供应商|原厂).*(问题|责任)`,
				`(找|联系|去问).*(师傅|厂家|供应商|4S店|原厂)`,
				`(师傅|安装师傅).*(自己|负责|承担).*(责任|问题)`,
				`(配件|产品).*(质量|问题).*找.*(厂家|供应商)`,
				`(贴膜|安装|维修).*(问题|效果).*找.*(师傅|技师)`,
				`(保修|售后).*找.*(原厂|4S店|厂家)`,
				`(没办法|无能为力|爱莫能助|无可奈何).*解决`,
				`这个.*不归.*(我们|门店).*管`,
			},
		},
		{
			Key:       "拖延处理",
			Weight:    1.1,
			RiskLevel: domain.RiskHigh,
			Enabled:   true,
			Keywords: []string{
				"翘单", "逃单", "一直拖", "故意拖", "拖着不处理", "不想处理",
			},
			Patterns: []string{
				`(翘单|逃单).{0,10}(了|呢)`,
				`(拖着|一直拖|故意拖).*(不处理|不解决)`,
				`(不想|不愿意).*(处理|解决|管)`,
				`(能拖|继续拖).*(就拖|一天)`,
			},
			Exclusions: []string{
				`(翘单|逃单).*(处理|解决|完成)`,
			},
		},
		{
			Key:       "不当用词表达",
			Weight:    0.8,
			RiskLevel: domain.RiskMedium,
			Enabled:   true,
			Keywords: []string{
				"搞快点", "快点搞", "急死了", "催死了", "烦死了",
				"赶紧搞", "又来催", "车主烦人", "师傅拖拉",
			},
			Patterns: []string{
				`(搞|弄).*(快|定|好)`,
				`(急|催|烦|撕).*(死了|要命)`,
				`(车主|客户).*(烦人|烦死|麻烦死)`,
				`(师傅|技师).*(拖拉|磨叽|慢吞吞|烦人)`,
				`(赶紧|快点).*(搞|弄|处理)`,
			},
		},
		{
			Key:       "模糊回应",
			Weight:    0.6,
			RiskLevel: domain.RiskMedium,
			Enabled:   true,
			Keywords: []string{
				"需要时间", "耐心等待", "已经在处理", "尽快联系", "正在处理中",
				"会尽快", "稍等一下", "马上处理",
			},
			Patterns: []string{
				`(这个|这种).*(需要时间|要等)`,
				`(已经在|正在).*(处理|跟进)`,
				`(会|将).*(尽快|马上)`,
				`(请|您).*(耐心|稍等)`,
			},
			Exclusions: []string{
				`(预计|大概|估计).*(时间|小时|分钟|天)`,
				`(具体|详细).*(时间|进度)`,
				`\d+.*(小时|分钟|天).*内`,
				`(今天|明天|本周).*(完成|处理)`,
			},
		},
	}
}

// DefaultDenoise returns the built-in denoise tiers. The invalid-data tier
// is mostly code heuristics in the filter itself; only pattern-expressible
// rules live here.
func DefaultDenoise() domain.DenoiseRules {
	return domain.DenoiseRules{
		NormalOperation: []domain.PatternRule{
			{Name: "工单关闭操作", Pattern: `【完结】.*关闭工单`},
			{Name: "自动完结工单", Pattern: `【自动完结工单】.*`},
			{Name: "系统状态更新", Pattern: `【.*】.*(状态|更新|变更)`},
			{Name: "工单创建通知", Pattern: `工单.*(创建|提交|生成)`},
			{Name: "自动分配通知", Pattern: `(自动分配|系统分配|已分配给)`},
			{Name: "催单提醒", Pattern: `^(催单|提醒|超时)$`},
			{Name: "订单状态变更", Pattern: `(已撤单|订单已派单|已派单|派单成功|撤单成功)`},
		},
		InvalidData: []domain.PatternRule{
			{Name: "测试内容", Pattern: `^(test|TEST|Test|测试|\.{3}|。{3})$`},
		},
		SystemKeywords: []string{
			"系统", "自动", "通知", "提醒", "分配", "转派",
			"【完结】", "【处理中】", "【待处理】", "【已分配】", "【自动完结工单】",
			"工单创建", "工单关闭", "状态变更", "优先级调整",
			"已撤单", "订单已派单", "派单成功", "撤单成功", "订单状态",
		},
	}
}
