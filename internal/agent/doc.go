// Package agent 定义流动性智能体的领域模型与受保护的状态机。
//
// 每个智能体由一个 Machine 驱动：资金快照与风险评估作为输入，
// 状态只沿固定转移表变化，每次变更都会异步持久化并同步通知监听者。
package agent
